package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/tonsurance/escrow-engine/internal/http/dto"
	"github.com/tonsurance/escrow-engine/internal/middleware"
	"github.com/tonsurance/escrow-engine/internal/repositories"
	"github.com/tonsurance/escrow-engine/internal/services"
	"go.uber.org/zap"
)

type DisputeHandler struct {
	disputes *services.DisputeService
	escrows  *services.EscrowService
	log      *zap.Logger
}

func NewDisputeHandler(disputes *services.DisputeService, escrows *services.EscrowService, log *zap.Logger) *DisputeHandler {
	return &DisputeHandler{disputes: disputes, escrows: escrows, log: log}
}

// OpenDispute POST /escrows/:id/disputes
func (h *DisputeHandler) OpenDispute(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid escrow id")
	}
	var req dto.OpenDisputeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	d, err := h.disputes.OpenDispute(c.UserContext(), id, middleware.GetAddress(c), req.Reason, req.Description)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: d})
}

// GetDispute GET /disputes/:id
func (h *DisputeHandler) GetDispute(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid dispute id")
	}
	d, err := h.disputes.GetDispute(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	summary, err := h.escrows.GetSummary(c.UserContext(), d.Dispute.EscrowID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	if !canView(c, summary) && !d.IsAssigned(middleware.GetAddress(c)) {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "not a participant of this dispute", Code: "not_a_party"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: d})
}

// SubmitEvidence POST /disputes/:id/evidence
func (h *DisputeHandler) SubmitEvidence(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid dispute id")
	}
	var req dto.EvidenceRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	ev, err := h.disputes.SubmitEvidence(c.UserContext(), id, middleware.GetAddress(c), services.EvidenceInput{
		EvidenceType: req.EvidenceType,
		ContentHash:  req.ContentHash,
		ContentURI:   req.ContentURI,
		Description:  req.Description,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: ev})
}

// VerifyEvidence POST /disputes/:id/evidence/:evidenceId/verify
func (h *DisputeHandler) VerifyEvidence(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid dispute id")
	}
	evidenceID, ok := parseID(c, "evidenceId")
	if !ok {
		return badRequest(c, "invalid evidence id")
	}
	ev, err := h.disputes.VerifyEvidence(c.UserContext(), id, evidenceID, middleware.GetAddress(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: ev})
}

// AssignArbiters POST /disputes/:id/arbiters
func (h *DisputeHandler) AssignArbiters(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid dispute id")
	}
	var req dto.AssignArbitersRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}
	d, err := h.disputes.AssignArbiters(c.UserContext(), id, middleware.GetAddress(c), req.Arbiters)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: d})
}

// SubmitVote POST /disputes/:id/votes
func (h *DisputeHandler) SubmitVote(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid dispute id")
	}
	var req dto.VoteRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	d, err := h.disputes.SubmitVote(c.UserContext(), id, middleware.GetAddress(c), services.VoteInput{
		Option:     req.Option,
		Amount:     req.Amount,
		Confidence: req.Confidence,
		Reasoning:  req.Reasoning,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: d})
}

// ResolveDispute POST /disputes/:id/resolve
func (h *DisputeHandler) ResolveDispute(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid dispute id")
	}
	var req dto.ResolveDisputeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	d, err := h.disputes.ResolveDispute(c.UserContext(), id, middleware.GetAddress(c), req.PayerPercentage, req.Note)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: d})
}

// RegisterArbiter POST /arbiters
func (h *DisputeHandler) RegisterArbiter(c *fiber.Ctx) error {
	var req dto.RegisterArbiterRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	a, err := h.disputes.RegisterArbiter(c.UserContext(), req.Address, req.Specialization, active)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: a})
}

// GetArbiter GET /arbiters/:address
func (h *DisputeHandler) GetArbiter(c *fiber.Ctx) error {
	a, err := h.disputes.GetArbiter(c.UserContext(), c.Params("address"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: a})
}

// ListArbiters GET /arbiters?active=true&specialization=...
func (h *DisputeHandler) ListArbiters(c *fiber.Ctx) error {
	limit, offset := pagination(c)
	f := repositories.ArbiterFilter{
		ActiveOnly: c.QueryBool("active", false),
		Limit:      limit,
		Offset:     offset,
	}
	if s := c.Query("specialization"); s != "" {
		f.Specialization = &s
	}
	arbiters, err := h.disputes.ListArbiters(c.UserContext(), f)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.ListResponse{Items: arbiters, Limit: limit, Offset: offset})
}
