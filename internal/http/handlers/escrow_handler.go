package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/tonsurance/escrow-engine/internal/http/dto"
	"github.com/tonsurance/escrow-engine/internal/middleware"
	"github.com/tonsurance/escrow-engine/internal/models"
	"github.com/tonsurance/escrow-engine/internal/rbac"
	"github.com/tonsurance/escrow-engine/internal/services"
	"go.uber.org/zap"
)

type EscrowHandler struct {
	escrows *services.EscrowService
	log     *zap.Logger
}

func NewEscrowHandler(escrows *services.EscrowService, log *zap.Logger) *EscrowHandler {
	return &EscrowHandler{escrows: escrows, log: log}
}

// CreateEscrow POST /escrows
func (h *EscrowHandler) CreateEscrow(c *fiber.Ctx) error {
	var req dto.CreateEscrowRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	actor := middleware.GetAddress(c)
	if req.Payer == "" {
		req.Payer = actor
	}
	if req.Payer != actor && middleware.GetRole(c) != rbac.RoleAdmin {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "escrows are created by their payer", Code: "not_payer"})
	}

	in := services.CreateEscrowInput{
		Payer:                  req.Payer,
		Payee:                  req.Payee,
		Amount:                 req.Amount,
		Asset:                  req.Asset,
		EscrowType:             req.EscrowType,
		TimeoutAt:              req.TimeoutAt,
		TimeoutAction:          req.TimeoutAction,
		TimeoutSplitPercentage: req.TimeoutSplitPercentage,
		AutoRelease:            req.AutoRelease,
		Protection:             req.Protection,
	}
	for i, cr := range req.Conditions {
		spec, err := cr.Spec()
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
				Error: "condition " + strconv.Itoa(i) + ": " + err.Error(),
				Code:  "invalid_condition",
			})
		}
		in.Conditions = append(in.Conditions, spec)
	}
	for _, a := range req.Allocations {
		in.Allocations = append(in.Allocations, services.AllocationInput{Party: a.Party, Percentage: a.Percentage})
	}

	agg, err := h.escrows.CreateEscrow(c.UserContext(), actor, in)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: agg})
}

// GetEscrow GET /escrows/:id
func (h *EscrowHandler) GetEscrow(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid escrow id")
	}
	summary, err := h.escrows.GetSummary(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	if !canView(c, summary) {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "not a participant of this escrow", Code: "not_a_party"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: summary})
}

// GetTimeline GET /escrows/:id/timeline
func (h *EscrowHandler) GetTimeline(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid escrow id")
	}
	summary, err := h.escrows.GetSummary(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	if !canView(c, summary) {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "not a participant of this escrow", Code: "not_a_party"})
	}

	limit, offset := pagination(c)
	events, err := h.escrows.ListTimeline(c.UserContext(), id, limit, offset)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.ListResponse{Items: events, Limit: limit, Offset: offset})
}

// AddAllocation POST /escrows/:id/allocations
func (h *EscrowHandler) AddAllocation(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid escrow id")
	}
	var req dto.AllocationRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	agg, err := h.escrows.AddAllocation(c.UserContext(), id, middleware.GetAddress(c), req.Party, req.Percentage)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: agg})
}

// Release POST /escrows/:id/release
func (h *EscrowHandler) Release(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid escrow id")
	}
	agg, err := h.escrows.Release(c.UserContext(), id, middleware.GetAddress(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: agg})
}

// CheckAndAdvance POST /escrows/:id/check
// Re-evaluates time-based conditions without waiting for the sweep.
func (h *EscrowHandler) CheckAndAdvance(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid escrow id")
	}
	summary, err := h.escrows.GetSummary(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	if !canView(c, summary) {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "not a participant of this escrow", Code: "not_a_party"})
	}
	agg, err := h.escrows.CheckAndAdvance(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: agg})
}

// Cancel POST /escrows/:id/cancel
func (h *EscrowHandler) Cancel(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid escrow id")
	}
	agg, err := h.escrows.RequestCancel(c.UserContext(), id, middleware.GetAddress(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: agg})
}

// SubmitApproval POST /conditions/:id/approval
func (h *EscrowHandler) SubmitApproval(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid condition id")
	}
	var req dto.ApprovalRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	agg, err := h.escrows.SubmitApproval(c.UserContext(), id, middleware.GetAddress(c), req.Signature)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: agg})
}

// SubmitSignature POST /conditions/:id/signatures
func (h *EscrowHandler) SubmitSignature(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid condition id")
	}
	var req dto.ApprovalRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	agg, err := h.escrows.SubmitSignature(c.UserContext(), id, middleware.GetAddress(c), req.Signature)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: agg})
}

// SubmitOracleFact POST /conditions/:id/oracle-facts
func (h *EscrowHandler) SubmitOracleFact(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid condition id")
	}
	var req dto.OracleFactRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	agg, err := h.escrows.SubmitOracleFact(c.UserContext(), id, req.ObservedValue, req.ObservedAt)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: agg})
}

// SubmitChainEvent POST /conditions/:id/chain-events
func (h *EscrowHandler) SubmitChainEvent(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid condition id")
	}
	var req dto.ChainEventRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	agg, err := h.escrows.SubmitChainEvent(c.UserContext(), id, req.Chain, req.Occurred, req.VerifiedAt, req.TxRef)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: agg})
}

// ConfirmSettlement POST /escrows/:id/settlements
func (h *EscrowHandler) ConfirmSettlement(c *fiber.Ctx) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid escrow id")
	}
	var req dto.SettlementRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	agg, err := h.escrows.ConfirmSettlement(c.UserContext(), middleware.GetAddress(c), models.SettlementConfirmation{
		EscrowID: id,
		Party:    req.Party,
		Amount:   req.Amount,
		TxRef:    req.TxRef,
		PaidAt:   req.PaidAt,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: agg})
}

// canView admits admins, service clients, the escrow's parties, its
// approvers and signers, and arbiters assigned to its dispute.
func canView(c *fiber.Ctx, s *models.EscrowSummary) bool {
	return canViewAs(middleware.GetAddress(c), middleware.GetRole(c), s)
}

func canViewAs(addr, role string, s *models.EscrowSummary) bool {
	if role == rbac.RoleAdmin || rbac.IsServiceRole(role) {
		return true
	}
	agg := models.EscrowAggregate{Escrow: s.Escrow, Allocations: s.Allocations}
	if agg.IsParty(addr) {
		return true
	}
	for _, cond := range s.Conditions {
		switch spec := cond.Spec.(type) {
		case *models.ManualApprovalCondition:
			if spec.Approver == addr {
				return true
			}
		case *models.MultisigCondition:
			if spec.IsSigner(addr) {
				return true
			}
		}
	}
	return s.Dispute != nil && s.Dispute.IsAssigned(addr)
}
