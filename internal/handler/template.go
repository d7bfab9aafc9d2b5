package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/studioposts/api/internal/middleware"
	"github.com/studioposts/api/internal/model"
	"github.com/studioposts/api/internal/service"
	"github.com/studioposts/api/pkg/response"
)

type TemplateHandler struct {
	service   *service.TemplateService
	validator *validator.Validate
}

func NewTemplateHandler(svc *service.TemplateService, v *validator.Validate) *TemplateHandler {
	return &TemplateHandler{
		service:   svc,
		validator: v,
	}
}

// Create handles POST /api/templates
func (h *TemplateHandler) Create(c *fiber.Ctx) error {
	var req model.TemplateCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	tpl, upload, err := h.service.CreateTemplate(c.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Created(c, fiber.Map{
		"template": tpl,
		"upload":   upload,
	})
}

// Get handles GET /api/templates/:templateId
func (h *TemplateHandler) Get(c *fiber.Ctx) error {
	templateID := c.Params("templateId")
	if templateID == "" {
		return response.ValidationError(c, "Template ID is required", nil)
	}

	tpl, err := h.service.GetTemplate(c.Context(), middleware.GetUserID(c), templateID)
	if err != nil {
		if errors.Is(err, service.ErrTemplateNotFound) {
			return response.NotFound(c, "Template not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, tpl)
}

// UploadURL handles GET /api/templates/:templateId/upload-url
func (h *TemplateHandler) UploadURL(c *fiber.Ctx) error {
	templateID := c.Params("templateId")
	if templateID == "" {
		return response.ValidationError(c, "Template ID is required", nil)
	}

	result, err := h.service.GetUploadURL(c.Context(), middleware.GetUserID(c), templateID)
	if err != nil {
		if errors.Is(err, service.ErrTemplateNotFound) {
			return response.NotFound(c, "Template not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}
