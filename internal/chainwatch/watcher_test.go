package chainwatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tonsurance/escrow-engine/internal/apperr"
	"github.com/tonsurance/escrow-engine/internal/models"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/tvm/cell"
	"go.uber.org/zap"
)

type memCursor struct {
	mu   sync.Mutex
	lt   uint64
	hash []byte
	seen map[uint64]string
}

func newMemCursor() *memCursor { return &memCursor{seen: map[uint64]string{}} }

func (c *memCursor) Load(context.Context) (uint64, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lt, c.hash, nil
}

func (c *memCursor) Save(_ context.Context, lt uint64, hash []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lt, c.hash = lt, hash
	return nil
}

func (c *memCursor) Seen(_ context.Context, lt uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[lt]
	return ok, nil
}

func (c *memCursor) MarkSeen(_ context.Context, lt uint64, outcome string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[lt] = outcome
	return nil
}

type submitCall struct {
	conditionID uuid.UUID
	chain       string
	verifiedAt  time.Time
	txRef       string
}

type fakeSubmitter struct {
	calls []submitCall
	err   error
}

func (f *fakeSubmitter) SubmitChainEvent(_ context.Context, id uuid.UUID, chain string, _ bool, at time.Time, txRef string) (*models.EscrowAggregate, error) {
	f.calls = append(f.calls, submitCall{conditionID: id, chain: chain, verifiedAt: at, txRef: txRef})
	if f.err != nil {
		return nil, f.err
	}
	return &models.EscrowAggregate{}, nil
}

func TestParseEventComment(t *testing.T) {
	id := uuid.MustParse("4a0e1c2b-8f3d-4d8e-9b7a-1c2d3e4f5a6b")
	tests := []struct {
		comment string
		want    uuid.UUID
		ok      bool
	}{
		{"escrow-event:" + id.String(), id, true},
		{"  escrow-event: " + id.String() + " ", id, true},
		{"escrow-event:not-a-uuid", uuid.Nil, false},
		{"deposit:" + id.String(), uuid.Nil, false},
		{"", uuid.Nil, false},
	}
	for _, tt := range tests {
		got, ok := ParseEventComment(tt.comment)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseEventComment(%q) = %v, %v; want %v, %v", tt.comment, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExtractComment(t *testing.T) {
	text := cell.BeginCell().MustStoreUInt(0, 32).MustStoreStringSnake("escrow-event:abc").EndCell()
	if got := extractComment(&tlb.InternalMessage{Body: text}); got != "escrow-event:abc" {
		t.Errorf("comment = %q", got)
	}

	op := cell.BeginCell().MustStoreUInt(0x0f8a7ea5, 32).MustStoreUInt(1, 64).EndCell()
	if got := extractComment(&tlb.InternalMessage{Body: op}); got != "" {
		t.Errorf("opcode body comment = %q, want empty", got)
	}
	if got := extractComment(&tlb.InternalMessage{}); got != "" {
		t.Errorf("nil body comment = %q, want empty", got)
	}
}

func TestHandleComment(t *testing.T) {
	id := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("reports once", func(t *testing.T) {
		cursor := newMemCursor()
		sub := &fakeSubmitter{}
		w := NewTONWatcher(nil, nil, cursor, sub, nil, zap.NewNop())

		ok, err := w.handleComment(ctx, 42, at, "escrow-event:"+id.String())
		if err != nil || !ok {
			t.Fatalf("handleComment = %v, %v", ok, err)
		}
		ok, err = w.handleComment(ctx, 42, at, "escrow-event:"+id.String())
		if err != nil || ok {
			t.Fatalf("second handleComment = %v, %v", ok, err)
		}
		if len(sub.calls) != 1 {
			t.Fatalf("submissions = %d, want 1", len(sub.calls))
		}
		c := sub.calls[0]
		if c.conditionID != id || c.chain != Chain || !c.verifiedAt.Equal(at) || c.txRef != "42" {
			t.Errorf("call = %+v", c)
		}
	})

	t.Run("ignores other comments", func(t *testing.T) {
		sub := &fakeSubmitter{}
		w := NewTONWatcher(nil, nil, newMemCursor(), sub, nil, zap.NewNop())
		ok, err := w.handleComment(ctx, 1, at, "hello")
		if err != nil || ok || len(sub.calls) != 0 {
			t.Fatalf("handleComment = %v, %v, calls %d", ok, err, len(sub.calls))
		}
	})

	t.Run("rejection is marked seen", func(t *testing.T) {
		cursor := newMemCursor()
		sub := &fakeSubmitter{err: apperr.Validation("chain_mismatch", "condition watches eth")}
		w := NewTONWatcher(nil, nil, cursor, sub, nil, zap.NewNop())
		ok, err := w.handleComment(ctx, 7, at, "escrow-event:"+id.String())
		if err != nil || ok {
			t.Fatalf("handleComment = %v, %v", ok, err)
		}
		if got := cursor.seen[7]; got != "rejected:chain_mismatch" {
			t.Errorf("seen outcome = %q", got)
		}
	})

	t.Run("storage failure is retried", func(t *testing.T) {
		cursor := newMemCursor()
		sub := &fakeSubmitter{err: apperr.Fatal("storage_error", errors.New("db down"))}
		w := NewTONWatcher(nil, nil, cursor, sub, nil, zap.NewNop())
		if _, err := w.handleComment(ctx, 9, at, "escrow-event:"+id.String()); err == nil {
			t.Fatal("expected error")
		}
		if _, ok := cursor.seen[9]; ok {
			t.Error("failed transaction was marked seen")
		}
	})
}
