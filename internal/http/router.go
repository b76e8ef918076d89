package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/tonsurance/escrow-engine/internal/config"
	"github.com/tonsurance/escrow-engine/internal/http/handlers"
	"github.com/tonsurance/escrow-engine/internal/middleware"
	"github.com/tonsurance/escrow-engine/internal/rbac"
	"go.uber.org/zap"
)

type Handlers struct {
	Auth    *handlers.AuthHandler
	Escrow  *handlers.EscrowHandler
	Dispute *handlers.DisputeHandler
	Admin   *handlers.AdminHandler
	WS      *handlers.WSHub
}

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	gatherer prometheus.Gatherer,
	h Handlers,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := app.Group("/api/v1")

	if rdb != nil {
		api.Use(middleware.RateLimitMiddleware(rdb, cfg.RateLimitPerMinute, time.Minute))
	} else {
		api.Use(middleware.LocalRateLimitMiddleware(cfg.RateLimitPerMinute, time.Minute))
	}

	// Auth (public)
	api.Post("/auth/ton-proof/payload", h.Auth.ProofPayload)
	api.Post("/auth/ton-proof", h.Auth.TonProof)

	protected := api.Group("", middleware.AuthMiddleware(cfg, log))
	perm := middleware.RequirePermission

	// Escrows
	protected.Post("/escrows", perm(rbac.PermCreateEscrow), h.Escrow.CreateEscrow)
	protected.Get("/escrows/:id", perm(rbac.PermViewEscrow), h.Escrow.GetEscrow)
	protected.Get("/escrows/:id/timeline", perm(rbac.PermViewEscrow), h.Escrow.GetTimeline)
	protected.Post("/escrows/:id/allocations", perm(rbac.PermManageEscrow), h.Escrow.AddAllocation)
	protected.Post("/escrows/:id/check", perm(rbac.PermViewEscrow), h.Escrow.CheckAndAdvance)
	protected.Post("/escrows/:id/release", perm(rbac.PermManageEscrow), h.Escrow.Release)
	protected.Post("/escrows/:id/cancel", perm(rbac.PermManageEscrow), h.Escrow.Cancel)
	protected.Post("/escrows/:id/settlements", perm(rbac.PermConfirmSettlement), h.Escrow.ConfirmSettlement)

	// Conditions
	protected.Post("/conditions/:id/approval", perm(rbac.PermSubmitApproval), h.Escrow.SubmitApproval)
	protected.Post("/conditions/:id/signatures", perm(rbac.PermSubmitApproval), h.Escrow.SubmitSignature)
	protected.Post("/conditions/:id/oracle-facts", perm(rbac.PermSubmitFacts), h.Escrow.SubmitOracleFact)
	protected.Post("/conditions/:id/chain-events", perm(rbac.PermSubmitFacts), h.Escrow.SubmitChainEvent)

	// Disputes
	protected.Post("/escrows/:id/disputes", perm(rbac.PermOpenDispute), h.Dispute.OpenDispute)
	protected.Get("/disputes/:id", h.Dispute.GetDispute)
	protected.Post("/disputes/:id/evidence", perm(rbac.PermSubmitEvidence), h.Dispute.SubmitEvidence)
	protected.Post("/disputes/:id/evidence/:evidenceId/verify", perm(rbac.PermVerifyEvidence), h.Dispute.VerifyEvidence)
	protected.Post("/disputes/:id/arbiters", perm(rbac.PermAssignArbiters), h.Dispute.AssignArbiters)
	protected.Post("/disputes/:id/votes", perm(rbac.PermVote), h.Dispute.SubmitVote)
	protected.Post("/disputes/:id/resolve", perm(rbac.PermResolveDispute), h.Dispute.ResolveDispute)

	// Arbiters
	protected.Get("/arbiters", h.Dispute.ListArbiters)
	protected.Get("/arbiters/:address", h.Dispute.GetArbiter)
	protected.Post("/arbiters", perm(rbac.PermManageArbiters), h.Dispute.RegisterArbiter)

	// Admin
	protected.Post("/admin/jobs/:name", perm(rbac.PermRunJobs), h.Admin.RunJob)
	protected.Post("/admin/tokens", perm(rbac.PermIssueTokens), h.Auth.IssueServiceToken)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(h.WS.HandleWS))
}
