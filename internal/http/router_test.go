package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tonsurance/escrow-engine/internal/auth"
	"github.com/tonsurance/escrow-engine/internal/config"
	"github.com/tonsurance/escrow-engine/internal/engine"
	"github.com/tonsurance/escrow-engine/internal/events"
	"github.com/tonsurance/escrow-engine/internal/http/handlers"
	"github.com/tonsurance/escrow-engine/internal/jobs"
	"github.com/tonsurance/escrow-engine/internal/metrics"
	"github.com/tonsurance/escrow-engine/internal/rbac"
	"github.com/tonsurance/escrow-engine/internal/repositories"
	"github.com/tonsurance/escrow-engine/internal/scheduler"
	"go.uber.org/zap"
)

const (
	secret = "test-secret"
	payer  = "EQpayer"
	payee  = "EQpayee"
	admin  = "EQadmin"
)

type fakeNonces struct{}

func (fakeNonces) Issue(context.Context) (string, error)  { return "nonce", nil }
func (fakeNonces) Consume(context.Context, string) error { return auth.ErrUnknownPayload }

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	log := zap.NewNop()
	cfg := &config.Config{
		JWTSecret:           secret,
		JWTExpiration:       time.Hour,
		AdminAddresses:      []string{admin},
		TimeoutScanInterval: time.Minute,
		TimeoutScanBatch:    100,
		ScanConcurrency:     2,
		ArbitrationWindow:   72 * time.Hour,
		ArbitersPerDispute:  3,
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	eng := engine.New(cfg, repositories.NewMemoryStore(), &events.RecordingPublisher{}, m, log)

	runner := scheduler.NewRunner(m, log)
	if err := jobs.Register(runner, jobs.Deps{Timeouts: eng.Timeouts, Disputes: eng.Disputes, Payouts: eng.Payouts}, cfg); err != nil {
		t.Fatal(err)
	}

	app := fiber.New()
	SetupRouter(app, cfg, log, nil, reg, Handlers{
		Auth:    handlers.NewAuthHandler(fakeNonces{}, eng.Disputes, cfg, log),
		Escrow:  handlers.NewEscrowHandler(eng.Escrows, log),
		Dispute: handlers.NewDisputeHandler(eng.Disputes, eng.Escrows, log),
		Admin:   handlers.NewAdminHandler(runner, log),
		WS:      handlers.NewWSHub(cfg, nil, eng.Escrows, log),
	})
	return app
}

func token(t *testing.T, address, role string) string {
	t.Helper()
	tok, err := auth.GenerateJWT(secret, address, role, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func call(t *testing.T, app *fiber.App, method, path, tok string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func escrowBody(amount int64) map[string]any {
	return map[string]any{
		"payee":          payee,
		"amount":         amount,
		"asset":          "USDT",
		"escrow_type":    "freelance",
		"timeout_at":     time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		"timeout_action": "return_to_payer",
		"conditions": []map[string]any{
			{"type": "manual_approval", "approver": payer},
		},
	}
}

func createEscrow(t *testing.T, app *fiber.App) string {
	t.Helper()
	status, out := call(t, app, http.MethodPost, "/api/v1/escrows", token(t, payer, rbac.RoleParty), escrowBody(1000))
	if status != fiber.StatusCreated {
		t.Fatalf("create status = %d, body %v", status, out)
	}
	data := out["data"].(map[string]any)
	return data["escrow"].(map[string]any)["id"].(string)
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestApp(t)
	if status, _ := call(t, app, http.MethodGet, "/health", "", nil); status != fiber.StatusOK {
		t.Errorf("health = %d", status)
	}
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	app := newTestApp(t)
	if status, _ := call(t, app, http.MethodPost, "/api/v1/escrows", "", escrowBody(1000)); status != fiber.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", status)
	}
	if status, _ := call(t, app, http.MethodPost, "/api/v1/escrows", "garbage", escrowBody(1000)); status != fiber.StatusUnauthorized {
		t.Errorf("bad token = %d, want 401", status)
	}
}

func TestCreateAndViewEscrow(t *testing.T) {
	app := newTestApp(t)
	id := createEscrow(t, app)

	tests := []struct {
		name    string
		address string
		role    string
		want    int
	}{
		{"payer", payer, rbac.RoleParty, fiber.StatusOK},
		{"payee", payee, rbac.RoleParty, fiber.StatusOK},
		{"stranger", "EQstranger", rbac.RoleParty, fiber.StatusForbidden},
		{"admin", admin, rbac.RoleAdmin, fiber.StatusOK},
		{"settlement service", "settlement-1", rbac.RoleSettlement, fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := call(t, app, http.MethodGet, "/api/v1/escrows/"+id, token(t, tt.address, tt.role), nil)
			if status != tt.want {
				t.Errorf("status = %d, want %d (%v)", status, tt.want, out)
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	app := newTestApp(t)
	payerTok := token(t, payer, rbac.RoleParty)

	status, out := call(t, app, http.MethodPost, "/api/v1/escrows", payerTok, escrowBody(0))
	if status != fiber.StatusUnprocessableEntity || out["code"] != "invalid_amount" {
		t.Errorf("zero amount = %d %v", status, out)
	}

	bad := escrowBody(1000)
	bad["conditions"] = []map[string]any{{"type": "telepathy"}}
	if status, _ := call(t, app, http.MethodPost, "/api/v1/escrows", payerTok, bad); status != fiber.StatusBadRequest {
		t.Errorf("unknown condition type = %d, want 400", status)
	}

	if status, _ := call(t, app, http.MethodGet, "/api/v1/escrows/not-a-uuid", payerTok, nil); status != fiber.StatusBadRequest {
		t.Errorf("bad id = %d, want 400", status)
	}
	status, out = call(t, app, http.MethodGet, "/api/v1/escrows/00000000-0000-0000-0000-000000000001", payerTok, nil)
	if status != fiber.StatusNotFound || out["code"] != "escrow_not_found" {
		t.Errorf("missing escrow = %d %v", status, out)
	}

	id := createEscrow(t, app)
	status, out = call(t, app, http.MethodPost, "/api/v1/escrows/"+id+"/release", payerTok, nil)
	if status != fiber.StatusConflict {
		t.Errorf("early release = %d %v, want 409", status, out)
	}
}

func TestCreateOnBehalfOfAnotherPayer(t *testing.T) {
	app := newTestApp(t)
	body := escrowBody(1000)
	body["payer"] = "EQsomeoneelse"
	if status, _ := call(t, app, http.MethodPost, "/api/v1/escrows", token(t, payer, rbac.RoleParty), body); status != fiber.StatusForbidden {
		t.Errorf("status = %d, want 403", status)
	}
	if status, _ := call(t, app, http.MethodPost, "/api/v1/escrows", token(t, "oracle-1", rbac.RoleOracle), escrowBody(1000)); status != fiber.StatusForbidden {
		t.Errorf("oracle create = %d, want 403", status)
	}
}

func TestAdminEndpoints(t *testing.T) {
	app := newTestApp(t)
	adminTok := token(t, admin, rbac.RoleAdmin)

	if status, _ := call(t, app, http.MethodPost, "/api/v1/admin/jobs/timeout_scan", token(t, payer, rbac.RoleParty), nil); status != fiber.StatusForbidden {
		t.Errorf("party job run = %d, want 403", status)
	}
	status, out := call(t, app, http.MethodPost, "/api/v1/admin/jobs/timeout_scan", adminTok, nil)
	if status != fiber.StatusOK || out["job"] != "timeout_scan" {
		t.Errorf("job run = %d %v", status, out)
	}
	if status, _ := call(t, app, http.MethodPost, "/api/v1/admin/jobs/nope", adminTok, nil); status != fiber.StatusNotFound {
		t.Errorf("unknown job = %d, want 404", status)
	}

	status, out = call(t, app, http.MethodPost, "/api/v1/admin/tokens", adminTok, map[string]any{"subject": "oracle-1", "role": rbac.RoleOracle})
	if status != fiber.StatusOK || out["role"] != rbac.RoleOracle {
		t.Fatalf("issue token = %d %v", status, out)
	}
	claims, err := auth.ParseJWT(secret, out["token"].(string))
	if err != nil || claims.Address != "oracle-1" {
		t.Errorf("issued token claims = %+v, %v", claims, err)
	}
	if status, _ := call(t, app, http.MethodPost, "/api/v1/admin/tokens", adminTok, map[string]any{"subject": "x", "role": rbac.RoleAdmin}); status != fiber.StatusUnprocessableEntity {
		t.Errorf("admin token request = %d, want 422", status)
	}
}

func TestTonProofRejectsUnknownPayload(t *testing.T) {
	app := newTestApp(t)
	body := map[string]any{
		"address":    "0:" + string(bytes.Repeat([]byte("ab"), 32)),
		"public_key": "00",
		"proof":      map[string]any{"payload": "stale", "signature": "00", "timestamp": time.Now().Unix()},
	}
	if status, _ := call(t, app, http.MethodPost, "/api/v1/auth/ton-proof", "", body); status != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want 401", status)
	}
}

func TestCheckAndAdvance(t *testing.T) {
	app := newTestApp(t)
	id := createEscrow(t, app)

	if status, _ := call(t, app, http.MethodPost, "/api/v1/escrows/"+id+"/check", token(t, "EQstranger", rbac.RoleParty), nil); status != fiber.StatusForbidden {
		t.Errorf("stranger check = %d, want 403", status)
	}
	status, out := call(t, app, http.MethodPost, "/api/v1/escrows/"+id+"/check", token(t, payee, rbac.RoleParty), nil)
	if status != fiber.StatusOK {
		t.Fatalf("check = %d %v", status, out)
	}
	escrow := out["data"].(map[string]any)["escrow"].(map[string]any)
	if escrow["status"] != "active" {
		t.Errorf("status = %v, want active", escrow["status"])
	}
}
