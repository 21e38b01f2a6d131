package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/noah-isme/musicschool-api/internal/models"
	"github.com/noah-isme/musicschool-api/internal/service"
	appErrors "github.com/noah-isme/musicschool-api/pkg/errors"
	"github.com/noah-isme/musicschool-api/pkg/jobs"
	"github.com/noah-isme/musicschool-api/pkg/response"
)

// BatchJobType identifies queued batch generation jobs.
const BatchJobType = "invoice.generate_batch"

// InvoiceHandler exposes invoice generation and lifecycle endpoints.
type InvoiceHandler struct {
	service    *service.InvoiceService
	batchQueue *jobs.Queue
}

// NewInvoiceHandler constructs an invoice handler. batchQueue may be nil, in
// which case batch generation runs synchronously.
func NewInvoiceHandler(svc *service.InvoiceService, batchQueue *jobs.Queue) *InvoiceHandler {
	return &InvoiceHandler{service: svc, batchQueue: batchQueue}
}

// List godoc
// @Summary List invoices
// @Tags Invoices
// @Produce json
// @Param studentId query string false "Filter by student"
// @Param enrollmentId query string false "Filter by enrollment"
// @Param status query string false "Filter by status"
// @Param from query string false "Period start from (YYYY-MM-DD)"
// @Param to query string false "Period start to (YYYY-MM-DD)"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /invoices [get]
func (h *InvoiceHandler) List(c *gin.Context) {
	filter := invoiceFilterFromQuery(c)
	invoices, pagination, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, invoices, pagination)
}

// Get godoc
// @Summary Get invoice detail
// @Description Returns the invoice with its lines and ledger applications
// @Tags Invoices
// @Produce json
// @Param id path string true "Invoice ID"
// @Success 200 {object} response.Envelope
// @Router /invoices/{id} [get]
func (h *InvoiceHandler) Get(c *gin.Context) {
	detail, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Generate godoc
// @Summary Generate invoice
// @Description Generate a DRAFT invoice for one enrollment and billing period
// @Tags Invoices
// @Accept json
// @Produce json
// @Param payload body service.GenerateInvoiceRequest true "Generation payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 412 {object} response.Envelope
// @Router /invoices/generate [post]
func (h *InvoiceHandler) Generate(c *gin.Context) {
	var req service.GenerateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	detail, err := h.service.Generate(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, detail)
}

// GenerateBatch godoc
// @Summary Generate invoices for all active enrollments
// @Description Run batch generation for a billing cadence; existing invoices and empty periods are skipped
// @Tags Invoices
// @Accept json
// @Produce json
// @Param payload body service.GenerateBatchRequest true "Batch payload"
// @Success 200 {object} response.Envelope
// @Success 202 {object} response.Envelope
// @Router /invoices/generate-batch [post]
func (h *InvoiceHandler) GenerateBatch(c *gin.Context) {
	var req service.GenerateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	if h.batchQueue != nil {
		job := jobs.Job{ID: uuid.NewString(), Type: BatchJobType, Payload: req}
		if err := h.batchQueue.Enqueue(job); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue batch generation"))
			return
		}
		response.JSON(c, http.StatusAccepted, gin.H{"job_id": job.ID}, nil)
		return
	}

	result, err := h.service.GenerateBatch(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Recalculate godoc
// @Summary Recalculate draft invoice
// @Description Rebuild lines and ledger applications of a DRAFT invoice
// @Tags Invoices
// @Produce json
// @Param id path string true "Invoice ID"
// @Success 200 {object} response.Envelope
// @Failure 412 {object} response.Envelope
// @Router /invoices/{id}/recalculate [post]
func (h *InvoiceHandler) Recalculate(c *gin.Context) {
	detail, err := h.service.Recalculate(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Send godoc
// @Summary Send invoice
// @Description Transition a DRAFT invoice to SENT
// @Tags Invoices
// @Produce json
// @Param id path string true "Invoice ID"
// @Success 200 {object} response.Envelope
// @Router /invoices/{id}/send [post]
func (h *InvoiceHandler) Send(c *gin.Context) {
	invoice, err := h.service.Send(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, invoice, nil)
}

// Cancel godoc
// @Summary Cancel invoice
// @Description Cancel an invoice, releasing its lessons and ledger applications
// @Tags Invoices
// @Produce json
// @Param id path string true "Invoice ID"
// @Success 200 {object} response.Envelope
// @Router /invoices/{id}/cancel [post]
func (h *InvoiceHandler) Cancel(c *gin.Context) {
	invoice, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, invoice, nil)
}

func invoiceFilterFromQuery(c *gin.Context) models.InvoiceFilter {
	var filter models.InvoiceFilter
	filter.StudentID = c.Query("studentId")
	filter.EnrollmentID = c.Query("enrollmentId")
	if status := c.Query("status"); status != "" {
		filter.Status = models.InvoiceStatus(status)
	}
	if from := c.Query("from"); from != "" {
		if ts, err := time.Parse("2006-01-02", from); err == nil {
			filter.From = &ts
		}
	}
	if to := c.Query("to"); to != "" {
		if ts, err := time.Parse("2006-01-02", to); err == nil {
			filter.To = &ts
		}
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")
	return filter
}
