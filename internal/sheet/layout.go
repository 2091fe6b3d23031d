// Package sheet fills receipt rows into an expense report template.
package sheet

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Logical text fields a layout can place.
const (
	FieldDate          = "date"
	FieldStoreName     = "store_name"
	FieldInvoiceNumber = "invoice_number"
)

// Amount sources a bucket can sum.
const (
	Amount8Percent   = "amount_8_percent"
	Amount10Percent  = "amount_10_percent"
	AmountNonInvoice = "amount_non_invoice"
)

const DefaultLayout = "two-page"

var (
	knownFields  = []string{FieldDate, FieldStoreName, FieldInvoiceNumber}
	knownAmounts = []string{Amount8Percent, Amount10Percent, AmountNonInvoice}
)

// ErrLayout is returned for invalid or unknown layouts
var ErrLayout = errors.New("invalid layout")

//go:embed layouts/*.toml
var builtinLayouts embed.FS

// Layout maps receipt fields to template cells.
//
// Rows come in at most two segments. Entries 0..BlockLimit start at
// FirstAnchor; later entries restart at SecondAnchor, which is where the
// template's second page begins. SecondAnchor 0 means the template has no
// break and rows continue linearly.
type Layout struct {
	Name         string         `toml:"name"`
	Sheet        string         `toml:"sheet"`
	BlockLimit   int            `toml:"block_limit"`
	FirstAnchor  int            `toml:"first_anchor"`
	SecondAnchor int            `toml:"second_anchor"`
	Columns      map[string]int `toml:"columns"`
	Buckets      []Bucket       `toml:"buckets"`
}

// Bucket is an aggregated amount written to one column.
type Bucket struct {
	Name    string   `toml:"name"`
	Column  int      `toml:"column"`
	Sources []string `toml:"sources"`
}

// Row returns the 1-based template row for the zero-based entry index.
func (l *Layout) Row(index int) int {
	if l.SecondAnchor == 0 || index <= l.BlockLimit {
		return l.FirstAnchor + index
	}
	return l.SecondAnchor + (index - l.BlockLimit - 1)
}

// Validate checks the layout once at load time.
func (l *Layout) Validate() error {
	if l.FirstAnchor < 1 {
		return fmt.Errorf("%w %q: first_anchor must be >= 1", ErrLayout, l.Name)
	}
	if l.SecondAnchor < 0 {
		return fmt.Errorf("%w %q: second_anchor must be >= 0", ErrLayout, l.Name)
	}
	if l.SecondAnchor > 0 {
		if l.BlockLimit < 0 {
			return fmt.Errorf("%w %q: block_limit must be >= 0", ErrLayout, l.Name)
		}
		if lastRow := l.FirstAnchor + l.BlockLimit; l.SecondAnchor <= lastRow {
			return fmt.Errorf("%w %q: second_anchor %d overlaps segment ending at row %d", ErrLayout, l.Name, l.SecondAnchor, lastRow)
		}
	}
	if len(l.Columns) == 0 && len(l.Buckets) == 0 {
		return fmt.Errorf("%w %q: no columns", ErrLayout, l.Name)
	}

	for field, col := range l.Columns {
		if !contains(knownFields, field) {
			return fmt.Errorf("%w %q: unknown field %q", ErrLayout, l.Name, field)
		}
		if col < 1 {
			return fmt.Errorf("%w %q: column for %q must be >= 1", ErrLayout, l.Name, field)
		}
	}
	for _, b := range l.Buckets {
		if b.Column < 1 {
			return fmt.Errorf("%w %q: column for bucket %q must be >= 1", ErrLayout, l.Name, b.Name)
		}
		if len(b.Sources) == 0 {
			return fmt.Errorf("%w %q: bucket %q has no sources", ErrLayout, l.Name, b.Name)
		}
		for _, src := range b.Sources {
			if !contains(knownAmounts, src) {
				return fmt.Errorf("%w %q: bucket %q has unknown source %q", ErrLayout, l.Name, b.Name, src)
			}
		}
	}
	return nil
}

// ParseLayout decodes and validates a TOML layout.
func ParseLayout(data []byte) (*Layout, error) {
	var l Layout
	if err := toml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("%w: decoding toml: %v", ErrLayout, err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// LoadLayout reads a layout file from disk.
func LoadLayout(filename string) (*Layout, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading layout: %w", err)
	}
	return ParseLayout(data)
}

// BuiltinLayout returns one of the embedded layouts by name.
func BuiltinLayout(name string) (*Layout, error) {
	data, err := builtinLayouts.ReadFile(path.Join("layouts", name+".toml"))
	if err != nil {
		return nil, fmt.Errorf("%w: unknown layout %q (available: %s)", ErrLayout, name, strings.Join(BuiltinNames(), ", "))
	}
	return ParseLayout(data)
}

// BuiltinNames lists the embedded layouts.
func BuiltinNames() []string {
	entries, _ := builtinLayouts.ReadDir("layouts")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".toml"))
	}
	sort.Strings(names)
	return names
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
