package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/promptvideos/api/internal/middleware"
	"github.com/promptvideos/api/internal/model"
	"github.com/promptvideos/api/internal/service"
	"github.com/promptvideos/api/pkg/response"
)

// DeveloperHandler serves the API-key authenticated routes under /api/v1.
// It shares the generation path with the web routes.
type DeveloperHandler struct {
	service   *service.GenerationService
	validator *validator.Validate
}

func NewDeveloperHandler(svc *service.GenerationService, v *validator.Validate) *DeveloperHandler {
	return &DeveloperHandler{
		service:   svc,
		validator: v,
	}
}

// Generate handles POST /api/v1/generate
// @Summary      Request a video
// @Tags         Developer API
// @Accept       json
// @Produce      json
// @Param        request body model.GenerateRequest true "Generate request"
// @Success      202 {object} model.GenerateResponse
// @Success      200 {object} model.GenerateResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Security     ApiKeyAuth
// @Router       /api/v1/generate [post]
func (h *DeveloperHandler) Generate(c *fiber.Ctx) error {
	var req model.GenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.RequestGeneration(c.UserContext(), middleware.GetUserID(c), req.Prompt, req.Quality)
	if err != nil {
		return renderServiceError(c, err)
	}
	return renderGenerateResult(c, result)
}

// Status handles GET /api/v1/videos/:jobId/status
// @Summary      Get video job status
// @Tags         Developer API
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobStatusResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     ApiKeyAuth
// @Router       /api/v1/videos/{jobId}/status [get]
func (h *DeveloperHandler) Status(c *fiber.Ctx) error {
	result, err := h.service.GetUserJobStatus(c.UserContext(), middleware.GetUserID(c), c.Params("jobId"))
	if err != nil {
		return renderServiceError(c, err)
	}
	return response.OK(c, result)
}

// List handles GET /api/v1/videos
// @Summary      List recent video jobs
// @Tags         Developer API
// @Produce      json
// @Param        limit query int false "Max jobs to return (default 20, max 100)"
// @Success      200 {object} model.JobListResponse
// @Security     ApiKeyAuth
// @Router       /api/v1/videos [get]
func (h *DeveloperHandler) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return response.ValidationError(c, "limit must not be negative", nil)
	}

	result, err := h.service.ListJobs(c.UserContext(), middleware.GetUserID(c), limit)
	if err != nil {
		return renderServiceError(c, err)
	}
	return response.OK(c, result)
}
