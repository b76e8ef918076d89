package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/tonsurance/escrow-engine/internal/apperr"
	"github.com/tonsurance/escrow-engine/internal/auth"
	"github.com/tonsurance/escrow-engine/internal/config"
	"github.com/tonsurance/escrow-engine/internal/http/dto"
	"github.com/tonsurance/escrow-engine/internal/middleware"
	"github.com/tonsurance/escrow-engine/internal/rbac"
	"github.com/tonsurance/escrow-engine/internal/services"
	"go.uber.org/zap"
)

type AuthHandler struct {
	nonces   auth.NonceStore
	disputes *services.DisputeService
	cfg      *config.Config
	log      *zap.Logger
	now      func() time.Time
}

func NewAuthHandler(nonces auth.NonceStore, disputes *services.DisputeService, cfg *config.Config, log *zap.Logger) *AuthHandler {
	return &AuthHandler{nonces: nonces, disputes: disputes, cfg: cfg, log: log, now: time.Now}
}

// ProofPayload POST /auth/ton-proof/payload
func (h *AuthHandler) ProofPayload(c *fiber.Ctx) error {
	payload, err := h.nonces.Issue(c.UserContext())
	if err != nil {
		h.log.Error("failed to issue proof payload", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal server error"})
	}
	return c.JSON(fiber.Map{"payload": payload})
}

// TonProof POST /auth/ton-proof
//
// Exchanges a TON Connect ton_proof for an access token bound to the
// wallet address.
func (h *AuthHandler) TonProof(c *fiber.Ctx) error {
	var req dto.TonProofRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Address == "" || req.PublicKey == "" || req.Proof.Signature == "" {
		return badRequest(c, "address, public_key and proof.signature are required")
	}
	if req.Network != "" && req.Network != networkID(h.cfg.TONNetwork) {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "network mismatch"})
	}

	if err := h.nonces.Consume(c.UserContext(), req.Proof.Payload); err != nil {
		if errors.Is(err, auth.ErrUnknownPayload) {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: err.Error()})
		}
		h.log.Error("failed to consume proof payload", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal server error"})
	}

	address, err := auth.VerifyTonProof(req.WalletProof, h.cfg.TONProofAllowedDomains, h.now())
	if err != nil {
		h.log.Debug("ton proof rejected", zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	role, err := h.roleFor(c, address)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return h.issue(c, address, role)
}

// IssueServiceToken POST /admin/tokens
//
// Mints tokens for oracle and settlement clients.
func (h *AuthHandler) IssueServiceToken(c *fiber.Ctx) error {
	var req dto.IssueTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Subject == "" || !rbac.IsServiceRole(req.Role) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(dto.ErrorResponse{
			Error: "subject and a service role (oracle, settlement) are required",
			Code:  "invalid_token_request",
		})
	}
	h.log.Info("service token issued",
		zap.String("subject", req.Subject),
		zap.String("role", req.Role),
		zap.String("issued_by", middleware.GetAddress(c)),
	)
	return h.issue(c, req.Subject, req.Role)
}

func (h *AuthHandler) roleFor(c *fiber.Ctx, address string) (string, error) {
	if h.cfg.IsAdmin(address) {
		return rbac.RoleAdmin, nil
	}
	a, err := h.disputes.GetArbiter(c.UserContext(), address)
	switch {
	case err == nil && a.Active:
		return rbac.RoleArbiter, nil
	case err == nil, apperr.IsNotFound(err):
		return rbac.RoleParty, nil
	default:
		return "", err
	}
}

func (h *AuthHandler) issue(c *fiber.Ctx, address, role string) error {
	token, err := auth.GenerateJWT(h.cfg.JWTSecret, address, role, h.cfg.JWTExpiration)
	if err != nil {
		h.log.Error("failed to generate jwt", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal server error"})
	}
	return c.JSON(dto.AuthResponse{Token: token, Address: address, Role: role})
}

// networkID is the TON Connect chain id for the configured network.
func networkID(network string) string {
	if network == "mainnet" {
		return "-239"
	}
	return "-3"
}
