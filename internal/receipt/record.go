package receipt

import (
	"math"
	"regexp"

	"github.com/zombor/receipt-xlsx/internal/scanning"
	"github.com/zombor/receipt-xlsx/internal/sheet"
)

// Status is the extraction outcome for one receipt
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

const noReadableFields = "no readable fields"

var invoiceNumberPattern = regexp.MustCompile(`^T\d{13}$`)

// Record is one extracted receipt. Amounts are whole yen.
type Record struct {
	Status           Status  `json:"status"`
	Date             *string `json:"date"` // YYYY/MM/DD
	StoreName        *string `json:"store_name"`
	InvoiceNumber    *string `json:"invoice_number"`
	Amount8Percent   int     `json:"amount_8_percent"`
	Amount10Percent  int     `json:"amount_10_percent"`
	AmountNonInvoice int     `json:"amount_non_invoice"`
	ErrorMessage     *string `json:"error_message"`
}

// Buckets are the per-rate totals placed on the report
type Buckets struct {
	Combined8 int `json:"combined_8"` // 8% plus non-invoice amounts
	Rate10    int `json:"rate_10"`
}

// FromScan converts model output into a Record. A success record with
// nothing readable is downgraded to an error record.
func FromScan(d scanning.ReceiptData) Record {
	r := Record{
		Status:           StatusSuccess,
		Date:             d.Date,
		StoreName:        d.StoreName,
		InvoiceNumber:    d.InvoiceNumber,
		Amount8Percent:   yen(d.Amount8Percent),
		Amount10Percent:  yen(d.Amount10Percent),
		AmountNonInvoice: yen(d.AmountNonInvoice),
		ErrorMessage:     d.ErrorMessage,
	}
	if d.Status == string(StatusError) {
		r.Status = StatusError
	}

	if r.Status == StatusSuccess {
		r.ErrorMessage = nil
		if r.blank() {
			r.Status = StatusError
			msg := noReadableFields
			r.ErrorMessage = &msg
		}
	}
	return r
}

// maxYen bounds a single amount; anything larger is a misread
const maxYen = 1e12

func yen(v *float64) int {
	if v == nil || math.IsNaN(*v) || *v <= 0 || *v > maxYen {
		return 0
	}
	return int(math.Round(*v))
}

func (r Record) blank() bool {
	return r.Date == nil && r.StoreName == nil &&
		r.Amount8Percent == 0 && r.Amount10Percent == 0 && r.AmountNonInvoice == 0
}

// Buckets aggregates the amounts by tax-rate bucket
func (r Record) Buckets() Buckets {
	return Buckets{
		Combined8: r.Amount8Percent + r.AmountNonInvoice,
		Rate10:    r.Amount10Percent,
	}
}

// TotalAmount is the sum of every amount on the receipt
func (r Record) TotalAmount() int {
	return r.Amount8Percent + r.Amount10Percent + r.AmountNonInvoice
}

// InvoiceCompliant reports whether the receipt carries a qualified invoice number
func (r Record) InvoiceCompliant() bool {
	return r.InvoiceNumber != nil && invoiceNumberPattern.MatchString(*r.InvoiceNumber)
}

// Line converts the record into a sheet row
func (r Record) Line() sheet.Line {
	e := sheet.Line{
		Fields: make(map[string]string, 3),
		Amounts: map[string]int{
			sheet.Amount8Percent:   r.Amount8Percent,
			sheet.Amount10Percent:  r.Amount10Percent,
			sheet.AmountNonInvoice: r.AmountNonInvoice,
		},
	}
	if r.Date != nil {
		e.Fields[sheet.FieldDate] = *r.Date
	}
	if r.StoreName != nil {
		e.Fields[sheet.FieldStoreName] = *r.StoreName
	}
	if r.InvoiceNumber != nil {
		e.Fields[sheet.FieldInvoiceNumber] = *r.InvoiceNumber
	}
	return e
}
