package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/tonsurance/escrow-engine/internal/http/dto"
	"github.com/tonsurance/escrow-engine/internal/middleware"
	"github.com/tonsurance/escrow-engine/internal/scheduler"
	"go.uber.org/zap"
)

// JobRunner runs a named background job on demand.
type JobRunner interface {
	RunNow(ctx context.Context, name string) (int, error)
}

type AdminHandler struct {
	jobs JobRunner
	log  *zap.Logger
}

func NewAdminHandler(jobs JobRunner, log *zap.Logger) *AdminHandler {
	return &AdminHandler{jobs: jobs, log: log}
}

// RunJob POST /admin/jobs/:name
func (h *AdminHandler) RunJob(c *fiber.Ctx) error {
	name := c.Params("name")
	n, err := h.jobs.RunNow(c.UserContext(), name)
	if err != nil {
		if errors.Is(err, scheduler.ErrUnknownJob) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: err.Error(), Code: "unknown_job"})
		}
		return respondError(c, h.log, err)
	}
	h.log.Info("job run on demand",
		zap.String("job", name),
		zap.Int("processed", n),
		zap.String("by", middleware.GetAddress(c)),
	)
	return c.JSON(dto.JobResponse{Job: name, Processed: n})
}
