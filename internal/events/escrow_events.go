package events

import (
	"github.com/tonsurance/escrow-engine/internal/models"
)

func TimelineEvent(ev models.TimelineEvent) Event {
	payload := map[string]any{
		"id":         ev.ID,
		"escrow_id":  ev.EscrowID.String(),
		"event_type": ev.EventType,
		"actor":      ev.Actor,
		"created_at": ev.CreatedAt,
	}
	if ev.DisputeID != nil {
		payload["dispute_id"] = ev.DisputeID.String()
	}
	if len(ev.Data) > 0 {
		payload["data"] = ev.Data
	}
	return Event{Type: EventTimeline, Payload: payload}
}

func PayoutEvent(p models.PayoutInstruction) Event {
	legs := make([]map[string]any, 0, len(p.Legs))
	for _, l := range p.Legs {
		legs = append(legs, map[string]any{
			"party":  l.Party,
			"amount": l.Amount,
			"asset":  l.Asset,
		})
	}
	return Event{Type: EventPayoutInstruction, Payload: map[string]any{
		"id":         p.ID.String(),
		"escrow_id":  p.EscrowID.String(),
		"reason":     p.Reason,
		"legs":       legs,
		"created_at": p.CreatedAt,
	}}
}
