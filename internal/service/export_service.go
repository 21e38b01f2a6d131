package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/musicschool-api/internal/models"
	appErrors "github.com/noah-isme/musicschool-api/pkg/errors"
	"github.com/noah-isme/musicschool-api/pkg/export"
	"github.com/noah-isme/musicschool-api/pkg/storage"
)

type invoiceDetailReader interface {
	Get(ctx context.Context, id string) (*models.InvoiceDetail, error)
	List(ctx context.Context, filter models.InvoiceFilter) ([]models.Invoice, *models.Pagination, error)
}

// ExportResult describes a generated export file and its signed download token.
type ExportResult struct {
	FileName  string    `json:"file_name"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExportService renders invoices to PDF/CSV files and hands out signed
// download tokens for them.
type ExportService struct {
	invoices invoiceDetailReader
	pdf      *export.PDFExporter
	csv      *export.CSVExporter
	store    *storage.LocalStorage
	signer   *storage.SignedURLSigner
	logger   *zap.Logger
}

// NewExportService constructs ExportService.
func NewExportService(invoices invoiceDetailReader, pdf *export.PDFExporter, csv *export.CSVExporter, store *storage.LocalStorage, signer *storage.SignedURLSigner, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{invoices: invoices, pdf: pdf, csv: csv, store: store, signer: signer, logger: logger}
}

// ExportInvoicePDF renders one invoice as a PDF document, stores it and
// returns a signed download token.
func (s *ExportService) ExportInvoicePDF(ctx context.Context, invoiceID string) (*ExportResult, error) {
	detail, err := s.invoices.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	doc := export.InvoiceDocument{
		Number:      detail.Number,
		Status:      string(detail.Status),
		StudentName: detail.StudentName,
		IssuedAt:    detail.IssuedAt.Format("2006-01-02"),
		DueAt:       detail.DueAt.Format("2006-01-02"),
		PeriodStart: detail.PeriodStart.Format("2006-01-02"),
		PeriodEnd:   detail.PeriodEnd.Format("2006-01-02"),
		Subtotal:    detail.Subtotal.StringFixed(2),
		VATRate:     detail.VATRate.StringFixed(0),
		VATAmount:   detail.VATAmount.StringFixed(2),
		Total:       detail.Total.StringFixed(2),
		AmountOwed:  detail.AmountOwed().StringFixed(2),
	}
	if detail.LedgerDebitsApplied.IsPositive() {
		doc.LedgerDebits = detail.LedgerDebitsApplied.StringFixed(2)
	}
	if detail.LedgerCreditsApplied.IsPositive() {
		doc.LedgerCredits = detail.LedgerCreditsApplied.StringFixed(2)
	}
	for _, line := range detail.Lines {
		doc.Lines = append(doc.Lines, export.InvoiceDocumentLine{
			Description: line.Description,
			Quantity:    fmt.Sprintf("%d", line.Quantity),
			UnitPrice:   line.UnitPrice.StringFixed(2),
			LineTotal:   line.LineTotal.StringFixed(2),
		})
	}

	data, err := s.pdf.RenderInvoice(doc)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render invoice pdf")
	}
	return s.persist(data, fmt.Sprintf("invoices/%s.pdf", detail.Number))
}

// ExportInvoicesCSV writes the filtered invoice list as a CSV file and
// returns a signed download token.
func (s *ExportService) ExportInvoicesCSV(ctx context.Context, filter models.InvoiceFilter) (*ExportResult, error) {
	filter.PageSize = 100
	if filter.Page < 1 {
		filter.Page = 1
	}
	invoices, _, err := s.invoices.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	dataset := export.Dataset{
		Headers: []string{"number", "student_id", "status", "period_start", "period_end", "subtotal", "vat_amount", "total", "amount_owed", "due_at"},
	}
	for _, invoice := range invoices {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"number":       invoice.Number,
			"student_id":   invoice.StudentID,
			"status":       string(invoice.Status),
			"period_start": invoice.PeriodStart.Format("2006-01-02"),
			"period_end":   invoice.PeriodEnd.Format("2006-01-02"),
			"subtotal":     invoice.Subtotal.StringFixed(2),
			"vat_amount":   invoice.VATAmount.StringFixed(2),
			"total":        invoice.Total.StringFixed(2),
			"amount_owed":  invoice.AmountOwed().StringFixed(2),
			"due_at":       invoice.DueAt.Format("2006-01-02"),
		})
	}

	data, err := s.csv.Render(dataset)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render invoices csv")
	}
	return s.persist(data, fmt.Sprintf("invoices/list-%s.csv", time.Now().UTC().Format("20060102-150405")))
}

// OpenDownload validates a signed token and opens the referenced file.
func (s *ExportService) OpenDownload(token string) (*os.File, string, error) {
	_, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid download token")
	}
	file, err := s.store.Open(relPath)
	if err != nil {
		return nil, "", appErrors.Clone(appErrors.ErrNotFound, "export file not found")
	}
	return file, relPath, nil
}

func (s *ExportService) persist(data []byte, filename string) (*ExportResult, error) {
	stored, err := s.store.Save(filename, data)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store export file")
	}
	token, expiresAt, err := s.signer.Generate(uuid.NewString(), stored)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download url")
	}
	s.logger.Info("export created", zap.String("file", stored))
	return &ExportResult{FileName: stored, Token: token, ExpiresAt: expiresAt}, nil
}
