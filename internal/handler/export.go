package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/creative-design-platform/export-service/internal/middleware"
	"github.com/creative-design-platform/export-service/internal/model"
	"github.com/creative-design-platform/export-service/internal/service"
	"github.com/creative-design-platform/export-service/pkg/response"
)

type ExportHandler struct {
	service   *service.ExportService
	validator *validator.Validate
}

func NewExportHandler(svc *service.ExportService, v *validator.Validate) *ExportHandler {
	return &ExportHandler{
		service:   svc,
		validator: v,
	}
}

// Submit handles POST /api/exports
// @Summary      Submit export job
// @Description  Queue an asynchronous export of one canvas or design set
// @Tags         Export
// @Accept       json
// @Produce      json
// @Param        request body model.SubmitExportRequest true "Export request"
// @Success      202 {object} model.SubmitExportResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/exports [post]
func (h *ExportHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitExportRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	job, err := h.service.Submit(c.Context(), req.ToSpec(middleware.GetUserID(c)))
	if err != nil {
		return serviceError(c, err)
	}

	return response.Accepted(c, model.SubmitExportResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	})
}

// SubmitBatch handles POST /api/exports/batch
// @Summary      Submit export batch
// @Description  Queue several independent export jobs under one batch id
// @Tags         Export
// @Accept       json
// @Produce      json
// @Param        request body model.SubmitBatchRequest true "Batch request"
// @Success      202 {object} model.SubmitBatchResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/exports/batch [post]
func (h *ExportHandler) SubmitBatch(c *fiber.Ctx) error {
	var req model.SubmitBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	ownerID := middleware.GetUserID(c)
	specs := make([]model.JobSpec, len(req.Jobs))
	for i, j := range req.Jobs {
		specs[i] = j.ToSpec(ownerID)
	}

	batchID, jobs, err := h.service.SubmitBatch(c.Context(), specs)
	if err != nil {
		return serviceError(c, err)
	}

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return response.Accepted(c, model.SubmitBatchResponse{BatchID: batchID, JobIDs: ids})
}

// Get handles GET /api/exports/:jobId
// @Summary      Get export job
// @Description  Get the status, progress and outputs of an export job
// @Tags         Export
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.Job
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/exports/{jobId} [get]
func (h *ExportHandler) Get(c *fiber.Ctx) error {
	job, err := h.ownedJob(c)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, job)
}

// GetBatch handles GET /api/exports/batches/:batchId
// @Summary      Get export batch
// @Description  Get aggregate counts and member jobs of a batch
// @Tags         Export
// @Produce      json
// @Param        batchId path string true "Batch ID"
// @Success      200 {object} model.BatchView
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/exports/batches/{batchId} [get]
func (h *ExportHandler) GetBatch(c *fiber.Ctx) error {
	batchID := c.Params("batchId")
	if batchID == "" {
		return response.ValidationError(c, "Batch ID is required", nil)
	}

	view, err := h.service.GetBatch(c.Context(), batchID)
	if errors.Is(err, model.ErrNotFound) {
		return response.NotFound(c, "Batch not found")
	}
	if err != nil {
		return serviceError(c, err)
	}
	if userID := middleware.GetUserID(c); userID != "" {
		for _, j := range view.Jobs {
			if j.OwnerID != "" && j.OwnerID != userID {
				return response.NotFound(c, "Batch not found")
			}
		}
	}
	return response.OK(c, view)
}

// Cancel handles POST /api/exports/:jobId/cancel
// @Summary      Cancel export job
// @Description  Cancel a pending job, or stop a processing job before its next format
// @Tags         Export
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobActionResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/exports/{jobId}/cancel [post]
func (h *ExportHandler) Cancel(c *fiber.Ctx) error {
	if _, err := h.ownedJob(c); err != nil {
		return serviceError(c, err)
	}

	job, err := h.service.Cancel(c.Context(), c.Params("jobId"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, model.JobActionResponse{Success: true, JobID: job.ID, Status: job.Status})
}

// Retry handles POST /api/exports/:jobId/retry
// @Summary      Retry export job
// @Description  Re-queue a failed job with a fresh automatic retry budget
// @Tags         Export
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      202 {object} model.JobActionResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/exports/{jobId}/retry [post]
func (h *ExportHandler) Retry(c *fiber.Ctx) error {
	if _, err := h.ownedJob(c); err != nil {
		return serviceError(c, err)
	}

	job, err := h.service.Retry(c.Context(), c.Params("jobId"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.Accepted(c, model.JobActionResponse{Success: true, JobID: job.ID, Status: job.Status})
}

// ownedJob loads the job named in the path. Jobs of other users look missing.
func (h *ExportHandler) ownedJob(c *fiber.Ctx) (*model.Job, error) {
	jobID := c.Params("jobId")
	if jobID == "" {
		return nil, model.ErrNotFound
	}
	job, err := h.service.GetJob(c.Context(), jobID)
	if err != nil {
		return nil, err
	}
	if userID := middleware.GetUserID(c); userID != "" && job.OwnerID != "" && job.OwnerID != userID {
		return nil, model.ErrNotFound
	}
	return job, nil
}

func serviceError(c *fiber.Ctx, err error) error {
	switch {
	case model.IsSubmissionError(err):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, model.ErrNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, model.ErrInvalidState):
		return response.Conflict(c, err.Error())
	case errors.Is(err, model.ErrShuttingDown):
		return response.Unavailable(c, err.Error())
	}
	return response.ServiceError(c, err.Error())
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
