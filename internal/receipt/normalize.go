package receipt

import "sort"

// Normalize returns the records sorted by date, oldest first. Records
// without a date go last; equal dates keep their input order. Nothing is
// dropped, error records included.
func Normalize(records []Record) []Record {
	out := make([]Record, len(records))
	copy(out, records)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Date, out[j].Date
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			// YYYY/MM/DD sorts lexically
			return *a < *b
		}
	})
	return out
}

// Summary holds the dashboard totals
type Summary struct {
	Count           int `json:"count"`
	SuccessCount    int `json:"success_count"`
	Total10         int `json:"total_10"`
	Total8          int `json:"total_8"`
	TotalNonInvoice int `json:"total_non_invoice"`
	Total           int `json:"total"`
}

// Summarize totals the records
func Summarize(records []Record) Summary {
	s := Summary{Count: len(records)}
	for _, r := range records {
		if r.Status == StatusSuccess {
			s.SuccessCount++
		}
		s.Total10 += r.Amount10Percent
		s.Total8 += r.Amount8Percent
		s.TotalNonInvoice += r.AmountNonInvoice
	}
	s.Total = s.Total10 + s.Total8 + s.TotalNonInvoice
	return s
}
