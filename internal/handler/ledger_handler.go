package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/musicschool-api/internal/models"
	"github.com/noah-isme/musicschool-api/internal/service"
	appErrors "github.com/noah-isme/musicschool-api/pkg/errors"
	"github.com/noah-isme/musicschool-api/pkg/response"
)

// LedgerHandler exposes student ledger endpoints.
type LedgerHandler struct {
	service *service.LedgerService
}

// NewLedgerHandler constructs a ledger handler.
func NewLedgerHandler(svc *service.LedgerService) *LedgerHandler {
	return &LedgerHandler{service: svc}
}

// List godoc
// @Summary List ledger entries
// @Tags Ledger
// @Produce json
// @Param studentId query string false "Filter by student"
// @Param type query string false "Filter by type (CREDIT or DEBIT)"
// @Param status query string false "Filter by status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /ledger [get]
func (h *LedgerHandler) List(c *gin.Context) {
	var filter models.LedgerEntryFilter
	filter.StudentID = c.Query("studentId")
	if entryType := c.Query("type"); entryType != "" {
		filter.Type = models.LedgerEntryType(entryType)
	}
	if status := c.Query("status"); status != "" {
		filter.Status = models.LedgerEntryStatus(status)
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	entries, pagination, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, pagination)
}

// Get godoc
// @Summary Get ledger entry
// @Tags Ledger
// @Produce json
// @Param id path string true "Ledger entry ID"
// @Success 200 {object} response.Envelope
// @Router /ledger/{id} [get]
func (h *LedgerHandler) Get(c *gin.Context) {
	entry, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entry, nil)
}

// CreateEntry godoc
// @Summary Create ledger entry
// @Description Register a manual credit or debit for a student
// @Tags Ledger
// @Accept json
// @Produce json
// @Param payload body service.CreateLedgerEntryRequest true "Entry payload"
// @Success 201 {object} response.Envelope
// @Router /ledger [post]
func (h *LedgerHandler) CreateEntry(c *gin.Context) {
	var req service.CreateLedgerEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	entry, err := h.service.CreateEntry(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, entry)
}

// DecoupleApplication godoc
// @Summary Decouple ledger application
// @Description Remove a ledger application from its invoice, reopening the entry
// @Tags Ledger
// @Produce json
// @Param id path string true "Ledger application ID"
// @Success 200 {object} response.Envelope
// @Router /ledger/applications/{id}/decouple [post]
func (h *LedgerHandler) DecoupleApplication(c *gin.Context) {
	invoice, err := h.service.DecoupleApplication(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, invoice, nil)
}
