package handler

import (
	"net/http"
	"path"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/musicschool-api/internal/service"
	"github.com/noah-isme/musicschool-api/pkg/response"
)

// ExportHandler exposes invoice export endpoints.
type ExportHandler struct {
	service *service.ExportService
}

// NewExportHandler constructs an export handler.
func NewExportHandler(svc *service.ExportService) *ExportHandler {
	return &ExportHandler{service: svc}
}

// InvoicePDF godoc
// @Summary Export invoice as PDF
// @Description Render the invoice to PDF and return a signed download token
// @Tags Exports
// @Produce json
// @Param id path string true "Invoice ID"
// @Success 200 {object} response.Envelope
// @Router /invoices/{id}/export/pdf [post]
func (h *ExportHandler) InvoicePDF(c *gin.Context) {
	result, err := h.service.ExportInvoicePDF(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// InvoicesCSV godoc
// @Summary Export invoice list as CSV
// @Description Render the filtered invoice list to CSV and return a signed download token
// @Tags Exports
// @Produce json
// @Param studentId query string false "Filter by student"
// @Param status query string false "Filter by status"
// @Param from query string false "Period start from (YYYY-MM-DD)"
// @Param to query string false "Period start to (YYYY-MM-DD)"
// @Success 200 {object} response.Envelope
// @Router /invoices/export/csv [post]
func (h *ExportHandler) InvoicesCSV(c *gin.Context) {
	filter := invoiceFilterFromQuery(c)
	result, err := h.service.ExportInvoicesCSV(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Download godoc
// @Summary Download exported file
// @Description Stream an export by its signed token
// @Tags Exports
// @Produce octet-stream
// @Param token query string true "Signed download token"
// @Success 200
// @Failure 401 {object} response.Envelope
// @Router /exports/download [get]
func (h *ExportHandler) Download(c *gin.Context) {
	file, relPath, err := h.service.OpenDownload(c.Query("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close()

	modTime := time.Now()
	if info, statErr := file.Stat(); statErr == nil {
		modTime = info.ModTime()
	}

	c.Header("Content-Disposition", "attachment; filename="+path.Base(relPath))
	c.Header("Content-Type", "application/octet-stream")
	http.ServeContent(c.Writer, c.Request, path.Base(relPath), modTime, file)
}
