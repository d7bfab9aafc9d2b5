package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/studioposts/api/internal/cache"
	"github.com/studioposts/api/internal/middleware"
	"github.com/studioposts/api/internal/model"
	"github.com/studioposts/api/internal/service"
	"github.com/studioposts/api/pkg/response"
)

type DesignHandler struct {
	designs   *service.DesignService
	contents  *service.ContentService
	validator *validator.Validate
}

func NewDesignHandler(designs *service.DesignService, contents *service.ContentService, v *validator.Validate) *DesignHandler {
	return &DesignHandler{
		designs:   designs,
		contents:  contents,
		validator: v,
	}
}

// Generate handles POST /api/designs/generate
func (h *DesignHandler) Generate(c *fiber.Ctx) error {
	var req model.GenerateStartRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if req.Schedule == nil && !model.IsValidScheduleSource(req.Source) {
		return response.ValidationError(c, "Unsupported schedule source", map[string]interface{}{
			"source": req.Source,
		})
	}

	result, err := h.designs.StartGenerate(c.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		if errors.Is(err, service.ErrTemplateNotFound) {
			return response.NotFound(c, "Template not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/designs/status/:jobId
func (h *DesignHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.designs.GetStatus(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Result handles GET /api/designs/result/:jobId
func (h *DesignHandler) Result(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.designs.GetResult(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		if err.Error() == "job not completed" {
			return response.ValidationError(c, "Job not completed yet", nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Cancel handles POST /api/designs/cancel/:jobId
func (h *DesignHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.designs.CancelGenerate(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		if err.Error() == "job already completed" {
			return response.ValidationError(c, "Job already completed", nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Get handles GET /api/designs/:contentId
func (h *DesignHandler) Get(c *fiber.Ctx) error {
	ref, err := h.contentRef(c)
	if err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}

	result, err := h.contents.GetDesign(c.Context(), ref)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return response.NotFound(c, "No design exists for this content")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// OverwriteUploadURL handles GET /api/designs/:contentId/overwrite/upload-url
func (h *DesignHandler) OverwriteUploadURL(c *fiber.Ctx) error {
	ref, err := h.contentRef(c)
	if err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}

	result, err := h.contents.OverwriteUploadURLs(c.Context(), ref)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// CommitOverwrite handles PUT /api/designs/:contentId/overwrite
func (h *DesignHandler) CommitOverwrite(c *fiber.Ctx) error {
	ref, err := h.contentRef(c)
	if err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}

	var req model.OverwriteCommitRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if err := h.contents.CommitOverwrite(c.Context(), ref, &req); err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}

	return response.OK(c, fiber.Map{"contentId": ref.ContentID, "hasOverwrite": true})
}

// ClearOverwrite handles DELETE /api/designs/:contentId/overwrite.
// Clearing never regenerates on its own; the response nudges the client to
// issue a forced generate if it wants fresh output.
func (h *DesignHandler) ClearOverwrite(c *fiber.Ctx) error {
	ref, err := h.contentRef(c)
	if err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}

	if err := h.contents.ClearOverwrite(c.Context(), ref); err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, fiber.Map{
		"contentId":      ref.ContentID,
		"hasOverwrite":   false,
		"refreshAdvised": true,
	})
}

func (h *DesignHandler) contentRef(c *fiber.Ctx) (cache.ContentRef, error) {
	contentID := c.Params("contentId")
	if contentID == "" {
		return cache.ContentRef{}, errors.New("Content ID is required")
	}
	templateID := c.Query("templateId")
	if templateID == "" {
		return cache.ContentRef{}, errors.New("templateId query parameter is required")
	}
	return cache.ContentRef{
		OwnerID:    middleware.GetUserID(c),
		TemplateID: templateID,
		ContentID:  contentID,
	}, nil
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
