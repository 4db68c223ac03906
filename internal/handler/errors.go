package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/promptvideos/api/internal/model"
	"github.com/promptvideos/api/internal/repository"
	"github.com/promptvideos/api/internal/service"
	"github.com/promptvideos/api/pkg/response"
)

// formatValidationErrors maps each failing field to the tag it failed.
func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string, len(validationErrors))
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}

// renderServiceError maps service errors onto API responses.
func renderServiceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidQuality), errors.Is(err, service.ErrEmptyPrompt):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, repository.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, service.ErrLockTimeout):
		return response.ServiceBusy(c, "An identical request is being processed, retry shortly", 1)
	default:
		return response.ServiceError(c, "Request failed")
	}
}

// renderGenerateResult answers 202 for a new job and 200 when an existing
// job was reported instead.
func renderGenerateResult(c *fiber.Ctx, result *model.GenerateResponse) error {
	if result.Decision == model.DecisionCreated {
		return response.Accepted(c, result)
	}
	return response.OK(c, result)
}
