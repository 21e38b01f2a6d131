package dto

// BatchItemStatus classifies the outcome of one enrollment in a batch run.
type BatchItemStatus string

// Batch item outcomes.
const (
	BatchItemCreated BatchItemStatus = "created"
	BatchItemSkipped BatchItemStatus = "skipped"
	BatchItemFailed  BatchItemStatus = "failed"
)

// BatchItemResult is the per-enrollment outcome of a batch generation run.
type BatchItemResult struct {
	EnrollmentID  string          `json:"enrollment_id"`
	StudentName   string          `json:"student_name"`
	CourseName    string          `json:"course_name"`
	Status        BatchItemStatus `json:"status"`
	InvoiceID     string          `json:"invoice_id,omitempty"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// BatchGenerationResult summarises a batch generation run. The batch never
// aborts; every enrollment is accounted for in exactly one bucket.
type BatchGenerationResult struct {
	Total   int               `json:"total"`
	Created int               `json:"created"`
	Skipped int               `json:"skipped"`
	Failed  int               `json:"failed"`
	Items   []BatchItemResult `json:"items"`
}
