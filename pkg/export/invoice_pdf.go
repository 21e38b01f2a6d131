package export

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"
)

// PDFExporter renders invoice documents with gofpdf.
type PDFExporter struct{}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter { return &PDFExporter{} }

// InvoiceDocument carries the already-formatted values of one invoice for
// PDF rendering. Amounts are preformatted strings so the exporter stays
// agnostic of the money representation.
type InvoiceDocument struct {
	Number      string
	Status      string
	StudentName string
	IssuedAt    string
	DueAt       string
	PeriodStart string
	PeriodEnd   string

	Lines []InvoiceDocumentLine

	Subtotal       string
	VATRate        string
	VATAmount      string
	Total          string
	LedgerDebits   string
	LedgerCredits  string
	AmountOwed     string
	SchoolName     string
	SchoolFootnote string
}

// InvoiceDocumentLine is one row of the invoice line table.
type InvoiceDocumentLine struct {
	Description string
	Quantity    string
	UnitPrice   string
	LineTotal   string
}

// RenderInvoice renders a single invoice as an A4 PDF document.
func (e *PDFExporter) RenderInvoice(doc InvoiceDocument) ([]byte, error) {
	if doc.Number == "" {
		return nil, fmt.Errorf("invoice number is required")
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 20, 15)
	pdf.AddPage()

	if doc.SchoolName != "" {
		pdf.SetFont("Arial", "B", 16)
		pdf.CellFormat(0, 10, doc.SchoolName, "", 1, "L", false, 0, "")
	}
	pdf.SetFont("Arial", "B", 13)
	pdf.CellFormat(0, 8, fmt.Sprintf("Invoice %s", doc.Number), "", 1, "L", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Arial", "", 10)
	meta := [][2]string{
		{"Student", doc.StudentName},
		{"Status", doc.Status},
		{"Issued", doc.IssuedAt},
		{"Due", doc.DueAt},
		{"Period", fmt.Sprintf("%s - %s", doc.PeriodStart, doc.PeriodEnd)},
	}
	for _, pair := range meta {
		pdf.CellFormat(30, 6, pair[0], "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, pair[1], "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(100, 8, "Description", "1", 0, "L", false, 0, "")
	pdf.CellFormat(20, 8, "Qty", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 8, "Unit", "1", 0, "R", false, 0, "")
	pdf.CellFormat(30, 8, "Total", "1", 1, "R", false, 0, "")

	pdf.SetFont("Arial", "", 9)
	for _, line := range doc.Lines {
		pdf.CellFormat(100, 7, line.Description, "1", 0, "L", false, 0, "")
		pdf.CellFormat(20, 7, line.Quantity, "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 7, line.UnitPrice, "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 7, line.LineTotal, "1", 1, "R", false, 0, "")
	}
	pdf.Ln(4)

	totals := [][2]string{
		{"Subtotal", doc.Subtotal},
		{fmt.Sprintf("VAT (%s%%)", doc.VATRate), doc.VATAmount},
		{"Total", doc.Total},
	}
	if doc.LedgerDebits != "" {
		totals = append(totals, [2]string{"Ledger debits", doc.LedgerDebits})
	}
	if doc.LedgerCredits != "" {
		totals = append(totals, [2]string{"Ledger credits", doc.LedgerCredits})
	}
	totals = append(totals, [2]string{"Amount owed", doc.AmountOwed})

	for i, pair := range totals {
		style := ""
		if i == len(totals)-1 {
			style = "B"
		}
		pdf.SetFont("Arial", style, 10)
		pdf.CellFormat(150, 6, pair[0], "", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, pair[1], "", 1, "R", false, 0, "")
	}

	if doc.SchoolFootnote != "" {
		pdf.Ln(8)
		pdf.SetFont("Arial", "I", 8)
		pdf.MultiCell(0, 5, doc.SchoolFootnote, "", "L", false)
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render invoice pdf: %w", err)
	}
	return buf.Bytes(), nil
}
