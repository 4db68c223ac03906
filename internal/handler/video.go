package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/promptvideos/api/internal/middleware"
	"github.com/promptvideos/api/internal/model"
	"github.com/promptvideos/api/internal/service"
	"github.com/promptvideos/api/pkg/response"
)

// VideoHandler serves the web app's routes
type VideoHandler struct {
	service   *service.GenerationService
	validator *validator.Validate
}

func NewVideoHandler(svc *service.GenerationService, v *validator.Validate) *VideoHandler {
	return &VideoHandler{
		service:   svc,
		validator: v,
	}
}

// Generate handles POST /api/videos/generate
// @Summary      Request a video
// @Description  Queue a video for a prompt, or report the matching job when an identical request was made recently
// @Tags         Videos
// @Accept       json
// @Produce      json
// @Param        request body model.GenerateRequest true "Generate request"
// @Success      202 {object} model.GenerateResponse
// @Success      200 {object} model.GenerateResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/videos/generate [post]
func (h *VideoHandler) Generate(c *fiber.Ctx) error {
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

// Status handles GET /api/videos/:jobId
// @Summary      Get video job
// @Tags         Videos
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobStatusResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/videos/{jobId} [get]
func (h *VideoHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetUserJobStatus(c.UserContext(), middleware.GetUserID(c), jobID)
	if err != nil {
		return renderServiceError(c, err)
	}
	return response.OK(c, result)
}
