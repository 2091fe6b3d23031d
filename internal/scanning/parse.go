package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const canonicalDateLayout = "2006/01/02"

var dateLayouts = []string{
	canonicalDateLayout,
	"2006-01-02",
	"2006.01.02",
	"2006/1/2",
	"2006-1-2",
}

// parseReceiptsJSON parses the JSON array returned by the model
func parseReceiptsJSON(text string) ([]ReceiptData, error) {
	text = stripCodeFence(text)

	// Models occasionally answer a single receipt with a bare object
	startIdx := strings.IndexAny(text, "[{")
	if startIdx == -1 {
		return nil, fmt.Errorf("%w: no JSON found in response", ErrMalformedResponse)
	}

	closing := "]"
	if text[startIdx] == '{' {
		closing = "}"
	}
	endIdx := strings.LastIndex(text, closing)
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("%w: unterminated JSON in response", ErrMalformedResponse)
	}
	text = text[startIdx : endIdx+1]

	var data []ReceiptData
	if closing == "}" {
		var err error
		if data, err = parseReceiptObject([]byte(text)); err != nil {
			return nil, err
		}
	} else if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling json: %v", ErrMalformedResponse, err)
	}

	for i := range data {
		cleanReceipt(&data[i])
	}
	return data, nil
}

// receiptKeys are the JSON keys of ReceiptData
var receiptKeys = []string{
	"status", "date", "store_name", "invoice_number",
	"amount_8_percent", "amount_10_percent", "amount_non_invoice", "error_message",
}

// parseReceiptObject accepts a bare receipt object, or a wrapper whose only
// property is the receipt array ({"receipts": [...]}). Anything else is malformed.
func parseReceiptObject(raw []byte) ([]ReceiptData, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling json: %v", ErrMalformedResponse, err)
	}

	for _, key := range receiptKeys {
		if _, ok := fields[key]; ok {
			var single ReceiptData
			if err := json.Unmarshal(raw, &single); err != nil {
				return nil, fmt.Errorf("%w: unmarshaling json: %v", ErrMalformedResponse, err)
			}
			return []ReceiptData{single}, nil
		}
	}

	if len(fields) == 1 {
		for key, value := range fields {
			var data []ReceiptData
			if err := json.Unmarshal(value, &data); err != nil {
				return nil, fmt.Errorf("%w: %q is not a receipt array: %v", ErrMalformedResponse, key, err)
			}
			return data, nil
		}
	}

	return nil, fmt.Errorf("%w: object has no receipt fields", ErrMalformedResponse)
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

func cleanReceipt(r *ReceiptData) {
	r.Status = strings.ToLower(strings.TrimSpace(r.Status))
	if r.Status != "error" {
		r.Status = "success"
	}

	r.StoreName = trimmedOrNil(r.StoreName)
	r.InvoiceNumber = trimmedOrNil(r.InvoiceNumber)
	r.ErrorMessage = trimmedOrNil(r.ErrorMessage)

	r.Date = trimmedOrNil(r.Date)
	if r.Date != nil {
		r.Date = canonicalDate(*r.Date)
	}
}

// canonicalDate returns the date as YYYY/MM/DD, or nil if it cannot be read
func canonicalDate(s string) *string {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			out := d.Format(canonicalDateLayout)
			return &out
		}
	}
	return nil
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" || strings.EqualFold(v, "null") {
		return nil
	}
	return &v
}
