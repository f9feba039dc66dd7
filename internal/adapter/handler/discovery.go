package handler

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/johnquangdev/discovery-sync/errors"
	"github.com/johnquangdev/discovery-sync/internal/adapter/dto/discovery"
	"github.com/johnquangdev/discovery-sync/internal/adapter/presenter"
	"github.com/johnquangdev/discovery-sync/internal/domain/entities"
	"github.com/johnquangdev/discovery-sync/internal/infrastructure/external/crm"
	"github.com/johnquangdev/discovery-sync/internal/usecase/crmsync"
	"github.com/johnquangdev/discovery-sync/internal/usecase/merge"
	"github.com/johnquangdev/discovery-sync/internal/usecase/progress"
	"github.com/johnquangdev/discovery-sync/internal/usecase/status"
	"github.com/johnquangdev/discovery-sync/internal/usecase/syncqueue"
)

// Discovery handles meeting sync, record reads and retry queue administration
type Discovery struct {
	orchestrator *crmsync.Orchestrator
	queue        *syncqueue.Queue
	logger       *zap.Logger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(orchestrator *crmsync.Orchestrator, queue *syncqueue.Queue, logger *zap.Logger) *Discovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discovery{
		orchestrator: orchestrator,
		queue:        queue,
		logger:       logger,
	}
}

// SyncMeeting handles POST /v1/meetings/sync.
// A failed CRM write is still a 202: the write was queued for retry.
func (h *Discovery) SyncMeeting(c echo.Context) error {
	var req discovery.SyncMeetingRequest
	if err := c.Bind(&req); err != nil {
		return HandleError(h.logger, c, errors.ErrInvalidPayload(err))
	}
	if err := c.Validate(&req); err != nil {
		return HandleError(h.logger, c, errors.ErrValidation(err))
	}

	ctx := c.Request().Context()
	resp := discovery.SyncMeetingResponse{}

	if len(req.Extracted) > 0 {
		merged, updated, result, err := h.orchestrator.MergeAndSync(ctx, req.Meeting, req.Extracted, req.RecordID)
		if err != nil {
			return HandleError(h.logger, c, err)
		}
		resp.Sync = result
		resp.Merge = &merged
		resp.MergeSummary = merge.Describe(merged)
		resp.Meeting = updated
	} else {
		resp.Sync = h.orchestrator.SyncMeeting(ctx, req.Meeting, req.RecordID)
	}

	code := http.StatusOK
	if !resp.Sync.Success {
		code = http.StatusAccepted
	}
	return HandleStatus(h.logger, c, code, resp)
}

// Preview handles POST /v1/meetings/status. It derives the discovery state
// of a snapshot without writing anything.
func (h *Discovery) Preview(c echo.Context) error {
	var req discovery.PreviewRequest
	if err := c.Bind(&req); err != nil {
		return HandleError(h.logger, c, errors.ErrInvalidPayload(err))
	}
	if err := c.Validate(&req); err != nil {
		return HandleError(h.logger, c, errors.ErrValidation(err))
	}

	computed := status.Compute(req.Meeting)
	if req.HighWater != "" {
		computed = status.Clamp(computed, entities.DiscoveryStatus(req.HighWater))
	}
	percent := progress.Compute(req.Meeting)

	return HandleSuccess(h.logger, c, discovery.PreviewResponse{
		Status:           computed,
		Description:      computed.Description(),
		Progress:         percent,
		Completion:       entities.FormatCompletion(percent),
		ModulesCompleted: progress.ModulesCompleted(req.Meeting),
		Modules:          progress.Breakdown(req.Meeting),
	})
}

// GetRecord handles GET /v1/records/:id
func (h *Discovery) GetRecord(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return HandleError(h.logger, c, errors.ErrInvalidArgument("record id is required"))
	}

	rec, err := h.orchestrator.GetRecord(c.Request().Context(), id)
	if err != nil {
		return HandleError(h.logger, c, err)
	}
	return HandleSuccess(h.logger, c, rec)
}

// ListRecords handles GET /v1/records
func (h *Discovery) ListRecords(c echo.Context) error {
	var req discovery.ListRecordsRequest
	if err := c.Bind(&req); err != nil {
		return HandleError(h.logger, c, errors.ErrInvalidPayload(err))
	}
	if err := c.Validate(&req); err != nil {
		return HandleError(h.logger, c, errors.ErrInvalidArgument(err.Error()))
	}

	list, err := h.orchestrator.ListRecords(c.Request().Context(), crm.ListFilter{
		Phase:   req.Phase,
		Status:  req.Status,
		Page:    req.Page,
		PerPage: req.PerPage,
	})
	if err != nil {
		return HandleError(h.logger, c, err)
	}
	return HandleSuccess(h.logger, c, list)
}

// QueueStatus handles GET /v1/sync/queue
func (h *Discovery) QueueStatus(c echo.Context) error {
	ctx := c.Request().Context()

	st, err := h.queue.Status(ctx)
	if err != nil {
		return HandleError(h.logger, c, errors.ErrQueueFailed("status", err))
	}
	pending, err := h.queue.Pending(ctx)
	if err != nil {
		return HandleError(h.logger, c, errors.ErrQueueFailed("list pending", err))
	}
	abandoned, err := h.queue.Abandoned(ctx)
	if err != nil {
		return HandleError(h.logger, c, errors.ErrQueueFailed("list abandoned", err))
	}

	return HandleSuccess(h.logger, c, discovery.QueueResponse{
		Status:    st,
		Pending:   presenter.ToTaskResponses(pending, h.queue.NextAttemptAt),
		Abandoned: presenter.ToTaskResponses(abandoned, h.queue.NextAttemptAt),
	})
}

// RetryAll handles POST /v1/sync/queue/retry. Every pending task is
// attempted now regardless of its backoff.
func (h *Discovery) RetryAll(c echo.Context) error {
	report, err := h.queue.RetryAllNow(c.Request().Context())
	if err != nil {
		return HandleError(h.logger, c, errors.ErrQueueFailed("retry all", err))
	}
	return HandleSuccess(h.logger, c, report)
}

// RetryTask handles POST /v1/sync/queue/:id/retry
func (h *Discovery) RetryTask(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return HandleError(h.logger, c, errors.ErrInvalidArgument("invalid task id"))
	}

	task, err := h.queue.Retry(c.Request().Context(), id)
	if err != nil {
		return HandleError(h.logger, c, err)
	}
	return HandleSuccess(h.logger, c, presenter.ToTaskResponse(task, h.queue.NextAttemptAt(*task)))
}

// AcknowledgeTask handles DELETE /v1/sync/queue/:id
func (h *Discovery) AcknowledgeTask(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return HandleError(h.logger, c, errors.ErrInvalidArgument("invalid task id"))
	}

	if err := h.queue.Acknowledge(c.Request().Context(), id); err != nil {
		return HandleError(h.logger, c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
