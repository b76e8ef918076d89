package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/tonsurance/escrow-engine/internal/auth"
	"github.com/tonsurance/escrow-engine/internal/config"
	"github.com/tonsurance/escrow-engine/internal/rbac"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLocalRateLimit(t *testing.T) {
	app := fiber.New()
	app.Use(LocalRateLimitMiddleware(3, time.Minute))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	var codes []int
	for i := 0; i < 4; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	want := []int{200, 200, 200, 429}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("codes = %v, want %v", codes, want)
		}
	}
}

func TestAuthAndPermission(t *testing.T) {
	cfg := &config.Config{JWTSecret: "s"}
	app := fiber.New()
	app.Use(AuthMiddleware(cfg, zap.NewNop()))
	app.Get("/vote", RequirePermission(rbac.PermVote), func(c *fiber.Ctx) error {
		return c.SendString(GetAddress(c) + "/" + GetRole(c))
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", fiber.StatusUnauthorized},
		{"not bearer", "Token abc", fiber.StatusUnauthorized},
		{"party cannot vote", "Bearer " + mustToken(t, "EQp", rbac.RoleParty), fiber.StatusForbidden},
		{"arbiter votes", "Bearer " + mustToken(t, "EQa", rbac.RoleArbiter), fiber.StatusOK},
		{"unknown role", "Bearer " + mustToken(t, "EQx", "wizard"), fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/vote", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req, -1)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func mustToken(t *testing.T, address, role string) string {
	t.Helper()
	tok, err := auth.GenerateJWT("s", address, role, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestLocalRateLimit_Disabled(t *testing.T) {
	app := fiber.New()
	app.Use(LocalRateLimitMiddleware(0, time.Minute))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	for i := 0; i < 5; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
	}
}

func TestRequestID(t *testing.T) {
	app := fiber.New()
	app.Use(RequestIDMiddleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(GetRequestID(c)) })

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"generated when missing", "", false},
		{"caller token kept", "abc-123_x.y", true},
		{"spaces replaced", "abc 123", false},
		{"markup replaced", "<script>", false},
		{"too long replaced", strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(HeaderReqID, tt.header)
			}
			resp, err := app.Test(req, -1)
			if err != nil {
				t.Fatal(err)
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			got := resp.Header.Get(HeaderReqID)
			if string(body) != got {
				t.Errorf("local %q != header %q", body, got)
			}
			if tt.keep && got != tt.header {
				t.Errorf("request id = %q, want %q", got, tt.header)
			}
			if !tt.keep {
				if _, err := uuid.Parse(got); err != nil {
					t.Errorf("request id %q is not a generated uuid", got)
				}
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cfg := &config.Config{JWTSecret: "s"}

	app := fiber.New()
	app.Use(RequestIDMiddleware())
	app.Use(LoggerMiddleware(zap.New(core)))
	app.Get("/escrows/:id", AuthMiddleware(cfg, zap.NewNop()), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	app.Get("/boom", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusInternalServerError)
	})

	req := httptest.NewRequest(http.MethodGet, "/escrows/e-1", nil)
	req.Header.Set("Authorization", "Bearer "+mustToken(t, "EQpayer", rbac.RoleParty))
	if resp, err := app.Test(req, -1); err != nil {
		t.Fatal(err)
	} else {
		resp.Body.Close()
	}
	if resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/boom", nil), -1); err != nil {
		t.Fatal(err)
	} else {
		resp.Body.Close()
	}

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d log entries, want 2", len(entries))
	}
	first := entries[0].ContextMap()
	if first["resource_id"] != "e-1" || first["actor"] != "EQpayer" || first["role"] != rbac.RoleParty || first["route"] != "/escrows/:id" {
		t.Errorf("fields = %v", first)
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Errorf("ok request level = %s", entries[0].Level)
	}
	second := entries[1]
	if second.Level != zapcore.ErrorLevel {
		t.Errorf("500 level = %s, want error", second.Level)
	}
	if _, ok := second.ContextMap()["actor"]; ok {
		t.Error("anonymous request logged an actor")
	}
}
