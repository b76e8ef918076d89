package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Condition kinds
const (
	ConditionOracle         = "oracle"
	ConditionTimeElapsed    = "time_elapsed"
	ConditionManualApproval = "manual_approval"
	ConditionChainEvent     = "chain_event"
	ConditionMultisig       = "multisig"
)

// AllConditionKinds lists every variant of ConditionSpec.
var AllConditionKinds = []string{
	ConditionOracle,
	ConditionTimeElapsed,
	ConditionManualApproval,
	ConditionChainEvent,
	ConditionMultisig,
}

// ConditionSpec is the closed set of release condition variants.
// Only types in this package implement it.
type ConditionSpec interface {
	Kind() string
	sealed()
}

type OracleCondition struct {
	Endpoint          string     `json:"endpoint"`
	ExpectedValue     string     `json:"expected_value"`
	Verified          bool       `json:"verified"`
	LastObservedValue *string    `json:"last_observed_value,omitempty"`
	LastCheckedAt     *time.Time `json:"last_checked_at,omitempty"`
}

type TimeElapsedCondition struct {
	Seconds   int64     `json:"seconds"`
	StartTime time.Time `json:"start_time"`
}

func (c *TimeElapsedCondition) DueAt() time.Time {
	return c.StartTime.Add(time.Duration(c.Seconds) * time.Second)
}

type ManualApprovalCondition struct {
	Approver         string     `json:"approver"`
	ApprovalDeadline *time.Time `json:"approval_deadline,omitempty"`
	Approved         bool       `json:"approved"`
	Signature        *string    `json:"signature,omitempty"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
}

type ChainEventCondition struct {
	Chain           string     `json:"chain"`
	EventType       string     `json:"event_type"`
	ContractAddress string     `json:"contract_address"`
	Occurred        bool       `json:"occurred"`
	VerifiedAt      *time.Time `json:"verified_at,omitempty"`
	TxRef           *string    `json:"tx_ref,omitempty"`
}

type MultisigCondition struct {
	RequiredSignatures int               `json:"required_signatures"`
	Signers            []string          `json:"signers"`
	SignaturesReceived map[string]string `json:"signatures_received"` // signer -> signature
}

func (c *MultisigCondition) IsSigner(addr string) bool {
	for _, s := range c.Signers {
		if s == addr {
			return true
		}
	}
	return false
}

func (*OracleCondition) Kind() string         { return ConditionOracle }
func (*TimeElapsedCondition) Kind() string    { return ConditionTimeElapsed }
func (*ManualApprovalCondition) Kind() string { return ConditionManualApproval }
func (*ChainEventCondition) Kind() string     { return ConditionChainEvent }
func (*MultisigCondition) Kind() string       { return ConditionMultisig }

func (*OracleCondition) sealed()         {}
func (*TimeElapsedCondition) sealed()    {}
func (*ManualApprovalCondition) sealed() {}
func (*ChainEventCondition) sealed()     {}
func (*MultisigCondition) sealed()       {}

type ReleaseCondition struct {
	ID        uuid.UUID
	EscrowID  uuid.UUID
	Index     int
	Spec      ConditionSpec
	MetAt     *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *ReleaseCondition) Kind() string {
	if c.Spec == nil {
		return ""
	}
	return c.Spec.Kind()
}

type releaseConditionJSON struct {
	ID        uuid.UUID       `json:"id"`
	EscrowID  uuid.UUID       `json:"escrow_id"`
	Index     int             `json:"index"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	MetAt     *time.Time      `json:"met_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (c ReleaseCondition) MarshalJSON() ([]byte, error) {
	kind, payload, err := EncodeConditionSpec(c.Spec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(releaseConditionJSON{
		ID:        c.ID,
		EscrowID:  c.EscrowID,
		Index:     c.Index,
		Type:      kind,
		Payload:   payload,
		MetAt:     c.MetAt,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	})
}

func (c *ReleaseCondition) UnmarshalJSON(data []byte) error {
	var raw releaseConditionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	spec, err := DecodeConditionSpec(raw.Type, raw.Payload)
	if err != nil {
		return err
	}
	*c = ReleaseCondition{
		ID:        raw.ID,
		EscrowID:  raw.EscrowID,
		Index:     raw.Index,
		Spec:      spec,
		MetAt:     raw.MetAt,
		CreatedAt: raw.CreatedAt,
		UpdatedAt: raw.UpdatedAt,
	}
	return nil
}

// EncodeConditionSpec returns the discriminator and JSON payload stored for spec.
func EncodeConditionSpec(spec ConditionSpec) (string, []byte, error) {
	if spec == nil {
		return "", nil, fmt.Errorf("condition spec is nil")
	}
	payload, err := json.Marshal(spec)
	if err != nil {
		return "", nil, err
	}
	return spec.Kind(), payload, nil
}

func DecodeConditionSpec(kind string, payload []byte) (ConditionSpec, error) {
	var spec ConditionSpec
	switch kind {
	case ConditionOracle:
		spec = &OracleCondition{}
	case ConditionTimeElapsed:
		spec = &TimeElapsedCondition{}
	case ConditionManualApproval:
		spec = &ManualApprovalCondition{}
	case ConditionChainEvent:
		spec = &ChainEventCondition{}
	case ConditionMultisig:
		spec = &MultisigCondition{}
	default:
		return nil, fmt.Errorf("unknown condition type %q", kind)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, spec); err != nil {
			return nil, fmt.Errorf("decode %s condition: %w", kind, err)
		}
	}
	if ms, ok := spec.(*MultisigCondition); ok && ms.SignaturesReceived == nil {
		ms.SignaturesReceived = map[string]string{}
	}
	return spec, nil
}

// Clone deep-copies the condition including its variant payload.
func (c ReleaseCondition) Clone() ReleaseCondition {
	out := c
	if c.MetAt != nil {
		t := *c.MetAt
		out.MetAt = &t
	}
	switch s := c.Spec.(type) {
	case *OracleCondition:
		cp := *s
		cp.LastObservedValue = cloneString(s.LastObservedValue)
		cp.LastCheckedAt = cloneTime(s.LastCheckedAt)
		out.Spec = &cp
	case *TimeElapsedCondition:
		cp := *s
		out.Spec = &cp
	case *ManualApprovalCondition:
		cp := *s
		cp.ApprovalDeadline = cloneTime(s.ApprovalDeadline)
		cp.Signature = cloneString(s.Signature)
		cp.ApprovedAt = cloneTime(s.ApprovedAt)
		out.Spec = &cp
	case *ChainEventCondition:
		cp := *s
		cp.VerifiedAt = cloneTime(s.VerifiedAt)
		cp.TxRef = cloneString(s.TxRef)
		out.Spec = &cp
	case *MultisigCondition:
		cp := *s
		cp.Signers = append([]string(nil), s.Signers...)
		cp.SignaturesReceived = make(map[string]string, len(s.SignaturesReceived))
		for k, v := range s.SignaturesReceived {
			cp.SignaturesReceived[k] = v
		}
		out.Spec = &cp
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
