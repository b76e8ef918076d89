package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/tonsurance/escrow-engine/internal/auth"
	"github.com/tonsurance/escrow-engine/internal/config"
	"github.com/tonsurance/escrow-engine/internal/events"
	"github.com/tonsurance/escrow-engine/internal/services"
	"go.uber.org/zap"
)

// WSHub streams timeline events to websocket clients watching an escrow.
type WSHub struct {
	cfg         *config.Config
	subscriber  events.Subscriber
	escrows     *services.EscrowService
	log         *zap.Logger
	mu          sync.RWMutex
	connections map[uuid.UUID][]*websocket.Conn
}

func NewWSHub(cfg *config.Config, subscriber events.Subscriber, escrows *services.EscrowService, log *zap.Logger) *WSHub {
	return &WSHub{
		cfg:         cfg,
		subscriber:  subscriber,
		escrows:     escrows,
		log:         log,
		connections: make(map[uuid.UUID][]*websocket.Conn),
	}
}

func (h *WSHub) Start(ctx context.Context) error {
	return h.subscriber.Subscribe(ctx, events.ChannelTimeline, h.broadcast)
}

func (h *WSHub) broadcast(event events.Event) {
	raw, _ := event.Payload["escrow_id"].(string)
	escrowID, err := uuid.Parse(raw)
	if err != nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conn := range h.connections[escrowID] {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

// HandleWS serves /ws?token=...&escrow_id=...
func (h *WSHub) HandleWS(conn *websocket.Conn) {
	tokenStr := conn.Query("token")
	if tokenStr == "" {
		h.reject(conn, "missing token")
		return
	}
	claims, err := auth.ParseJWT(h.cfg.JWTSecret, tokenStr)
	if err != nil {
		h.reject(conn, "invalid token")
		return
	}
	escrowID, err := uuid.Parse(conn.Query("escrow_id"))
	if err != nil {
		h.reject(conn, "invalid escrow_id")
		return
	}
	summary, err := h.escrows.GetSummary(context.Background(), escrowID)
	if err != nil {
		h.reject(conn, "escrow not found")
		return
	}
	if !canViewAs(claims.Address, claims.Role, summary) {
		h.reject(conn, "not a participant of this escrow")
		return
	}

	h.mu.Lock()
	h.connections[escrowID] = append(h.connections[escrowID], conn)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		conns := h.connections[escrowID]
		for i, c := range conns {
			if c == conn {
				h.connections[escrowID] = append(conns[:i], conns[i+1:]...)
				break
			}
		}
		if len(h.connections[escrowID]) == 0 {
			delete(h.connections, escrowID)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	// Read loop (keep alive / pings)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *WSHub) reject(conn *websocket.Conn, msg string) {
	data, _ := json.Marshal(fiber.Map{"error": msg})
	_ = conn.WriteMessage(websocket.TextMessage, data)
	conn.Close()
}
