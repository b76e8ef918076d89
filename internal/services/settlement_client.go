package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tonsurance/escrow-engine/internal/models"
	"go.uber.org/zap"
)

// SettlementClient hands payout instructions to the settlement service.
type SettlementClient struct {
	url        string
	httpClient *http.Client
	log        *zap.Logger
}

func NewSettlementClient(url string, log *zap.Logger) *SettlementClient {
	return &SettlementClient{
		url: strings.TrimRight(url, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

type settlementRequest struct {
	InstructionID string             `json:"instruction_id"`
	EscrowID      string             `json:"escrow_id"`
	Reason        string             `json:"reason"`
	Legs          []models.PayoutLeg `json:"legs"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Send posts p with its id as the Idempotency-Key header.
func (c *SettlementClient) Send(ctx context.Context, p models.PayoutInstruction) error {
	body, err := json.Marshal(settlementRequest{
		InstructionID: p.ID.String(),
		EscrowID:      p.EscrowID.String(),
		Reason:        p.Reason,
		Legs:          p.Legs,
		CreatedAt:     p.CreatedAt,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.ID.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("settlement service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("settlement service returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}
