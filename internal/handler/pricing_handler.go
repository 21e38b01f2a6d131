package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/musicschool-api/internal/service"
	appErrors "github.com/noah-isme/musicschool-api/pkg/errors"
	"github.com/noah-isme/musicschool-api/pkg/response"
)

// PricingHandler exposes versioned course type pricing endpoints.
type PricingHandler struct {
	service *service.PricingService
}

// NewPricingHandler constructs a pricing handler.
func NewPricingHandler(svc *service.PricingService) *PricingHandler {
	return &PricingHandler{service: svc}
}

// ListVersions godoc
// @Summary List pricing versions
// @Description List all pricing versions of a course type, newest first
// @Tags Pricing
// @Produce json
// @Param id path string true "Course type ID"
// @Success 200 {object} response.Envelope
// @Router /course-types/{id}/pricing [get]
func (h *PricingHandler) ListVersions(c *gin.Context) {
	versions, err := h.service.ListVersions(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, versions, nil)
}

// Resolve godoc
// @Summary Resolve price for a date
// @Description Returns the pricing version effective on the given date
// @Tags Pricing
// @Produce json
// @Param id path string true "Course type ID"
// @Param date query string false "Date (YYYY-MM-DD), defaults to today"
// @Success 200 {object} response.Envelope
// @Router /course-types/{id}/pricing/resolve [get]
func (h *PricingHandler) Resolve(c *gin.Context) {
	date := time.Now().UTC()
	if raw := c.Query("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid date, expected YYYY-MM-DD"))
			return
		}
		date = parsed
	}
	version, err := h.service.ResolveForDate(c.Request.Context(), c.Param("id"), date)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, version, nil)
}

// CreateVersion godoc
// @Summary Create pricing version
// @Description Create a new pricing version; the previous current version is closed
// @Tags Pricing
// @Accept json
// @Produce json
// @Param payload body service.CreatePricingVersionRequest true "Pricing payload"
// @Success 201 {object} response.Envelope
// @Router /pricing [post]
func (h *PricingHandler) CreateVersion(c *gin.Context) {
	var req service.CreatePricingVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	version, err := h.service.CreateVersion(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, version)
}

// UpdateCurrent godoc
// @Summary Correct current pricing version
// @Description Edit the current version in place; rejected once invoices reference it
// @Tags Pricing
// @Accept json
// @Produce json
// @Param id path string true "Pricing version ID"
// @Param payload body service.UpdatePricingVersionRequest true "Pricing payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /pricing/{id} [put]
func (h *PricingHandler) UpdateCurrent(c *gin.Context) {
	var req service.UpdatePricingVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	version, err := h.service.UpdateCurrent(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, version, nil)
}
