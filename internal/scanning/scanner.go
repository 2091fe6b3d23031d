package scanning

import (
	"context"
	"errors"
)

var (
	// ErrProcessingFailed is returned when the remote service reports the upload as failed.
	ErrProcessingFailed = errors.New("remote processing failed")
	// ErrTimeout is returned when the upload is still processing after the maximum wait.
	ErrTimeout = errors.New("timed out waiting for remote processing")
	// ErrMalformedResponse is returned when the model output is not a receipt array.
	ErrMalformedResponse = errors.New("malformed model response")
	// ErrUnsupportedInput is returned for files the scanner cannot prepare.
	ErrUnsupportedInput = errors.New("unsupported input")
)

// ReceiptData is one receipt as returned by the model.
// Nullable fields stay nil when the model could not read them.
type ReceiptData struct {
	Status           string   `json:"status"`
	Date             *string  `json:"date"` // YYYY/MM/DD
	StoreName        *string  `json:"store_name"`
	InvoiceNumber    *string  `json:"invoice_number"`
	Amount8Percent   *float64 `json:"amount_8_percent"`
	Amount10Percent  *float64 `json:"amount_10_percent"`
	AmountNonInvoice *float64 `json:"amount_non_invoice"`
	ErrorMessage     *string  `json:"error_message"`
}

// Extractor defines the interface for multi-receipt extraction
type Extractor interface {
	// ExtractReceipts analyzes a PDF (or image) holding one or more receipts
	ExtractReceipts(ctx context.Context, data []byte, contentType string) ([]ReceiptData, error)
	// Close closes the extractor and releases resources
	Close() error
}
