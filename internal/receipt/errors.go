package receipt

import (
	"context"
	"errors"
	"fmt"

	"github.com/zombor/receipt-xlsx/internal/scanning"
	"github.com/zombor/receipt-xlsx/internal/sheet"
)

// Kind classifies failures so callers can react without parsing messages
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindInput
	KindRemoteFailed
	KindTimeout
	KindMalformedResponse
	KindExtraction
	KindWorkbook
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindConfig:            "config",
	KindInput:             "input",
	KindRemoteFailed:      "remote_failed",
	KindTimeout:           "timeout",
	KindMalformedResponse: "malformed_response",
	KindExtraction:        "extraction",
	KindWorkbook:          "workbook",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText lets kinds appear by name in JSON
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Retryable reports whether running the same request again may succeed
func Retryable(k Kind) bool {
	switch k {
	case KindRemoteFailed, KindTimeout, KindExtraction:
		return true
	default:
		return false
	}
}

// Error is a failure tagged with the stage it happened in
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, classifying untagged errors by their cause
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, scanning.ErrUnsupportedInput):
		return KindInput
	case errors.Is(err, scanning.ErrProcessingFailed):
		return KindRemoteFailed
	case errors.Is(err, scanning.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, scanning.ErrMalformedResponse):
		return KindMalformedResponse
	case errors.Is(err, sheet.ErrTemplate), errors.Is(err, sheet.ErrWrite), errors.Is(err, sheet.ErrSave):
		return KindWorkbook
	case errors.Is(err, sheet.ErrLayout):
		return KindConfig
	default:
		return KindUnknown
	}
}

// wrap tags err with op and a kind, falling back to def when the cause is not recognised
func wrap(op string, def Kind, err error) error {
	kind := classify(err)
	if kind == KindUnknown {
		kind = def
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
