package sheet

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"
)

const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var (
	// ErrTemplate is returned when the template cannot be opened or has no usable sheet
	ErrTemplate = errors.New("template error")
	// ErrWrite is returned when a cell cannot be written
	ErrWrite = errors.New("cell write error")
	// ErrSave is returned when the workbook cannot be persisted
	ErrSave = errors.New("workbook save error")
)

// Line is one receipt row ready for placement: text fields keyed by
// Field* and amounts keyed by Amount*.
type Line struct {
	Fields  map[string]string
	Amounts map[string]int
}

type mergedRegion struct {
	startCol, startRow int
	endCol, endRow     int
}

func (m mergedRegion) contains(row, col int) bool {
	return row >= m.startRow && row <= m.endRow && col >= m.startCol && col <= m.endCol
}

// Workbook is a template opened for a single fill-and-save run.
type Workbook struct {
	file   *excelize.File
	layout *Layout
	sheet  string
	merges []mergedRegion
}

// Open opens the template at path and resolves the layout's target sheet.
func Open(path string, layout *Layout) (*Workbook, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: template path is empty", ErrTemplate)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: template not found: %v", ErrTemplate, err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrTemplate, path, err)
	}

	wb, err := newWorkbook(f, layout)
	if err != nil {
		f.Close()
		return nil, err
	}
	return wb, nil
}

func newWorkbook(f *excelize.File, layout *Layout) (*Workbook, error) {
	sheet := layout.Sheet
	if sheet == "" {
		sheet = f.GetSheetName(f.GetActiveSheetIndex())
	}
	if idx, err := f.GetSheetIndex(sheet); err != nil || idx == -1 {
		return nil, fmt.Errorf("%w: sheet %q not found", ErrTemplate, sheet)
	}

	cells, err := f.GetMergeCells(sheet)
	if err != nil {
		return nil, fmt.Errorf("%w: reading merged cells: %v", ErrTemplate, err)
	}

	merges := make([]mergedRegion, 0, len(cells))
	for _, mc := range cells {
		startCol, startRow, err := excelize.CellNameToCoordinates(mc.GetStartAxis())
		if err != nil {
			return nil, fmt.Errorf("%w: merged range %s: %v", ErrTemplate, mc.GetStartAxis(), err)
		}
		endCol, endRow, err := excelize.CellNameToCoordinates(mc.GetEndAxis())
		if err != nil {
			return nil, fmt.Errorf("%w: merged range %s: %v", ErrTemplate, mc.GetEndAxis(), err)
		}
		merges = append(merges, mergedRegion{startCol: startCol, startRow: startRow, endCol: endCol, endRow: endRow})
	}

	return &Workbook{file: f, layout: layout, sheet: sheet, merges: merges}, nil
}

// Sheet returns the name of the sheet being filled.
func (w *Workbook) Sheet() string {
	return w.sheet
}

// anchor returns the cell that actually holds the value for (row, col):
// the top-left of the enclosing merged region, or the cell itself.
func (w *Workbook) anchor(row, col int) (int, int) {
	for _, m := range w.merges {
		if m.contains(row, col) {
			return m.startRow, m.startCol
		}
	}
	return row, col
}

// WriteCell writes value at the 1-based (row, col), redirecting writes
// inside merged regions to the region's anchor.
func (w *Workbook) WriteCell(row, col int, value any) error {
	row, col = w.anchor(row, col)
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := w.file.SetCellValue(w.sheet, cell, value); err != nil {
		return fmt.Errorf("%w: %s!%s: %v", ErrWrite, w.sheet, cell, err)
	}
	return nil
}

// Populate places entry i on layout row Row(i). Empty text fields and
// non-positive buckets are left blank.
func (w *Workbook) Populate(lines []Line) error {
	for i, e := range lines {
		row := w.layout.Row(i)

		for _, field := range knownFields {
			col, ok := w.layout.Columns[field]
			if !ok {
				continue
			}
			if v := e.Fields[field]; v != "" {
				if err := w.WriteCell(row, col, v); err != nil {
					return err
				}
			}
		}

		for _, b := range w.layout.Buckets {
			total := 0
			for _, src := range b.Sources {
				total += e.Amounts[src]
			}
			if total > 0 {
				if err := w.WriteCell(row, b.Column, total); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Bytes serializes the workbook.
func (w *Workbook) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := w.file.Write(&buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSave, err)
	}
	return buf.Bytes(), nil
}

// Save writes the workbook to path. The file only appears once it is
// complete; a failed save leaves nothing behind.
func (w *Workbook) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".receipt-xlsx-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrSave, err)
	}
	tmpName := tmp.Name()

	if err := w.file.Write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: writing workbook: %v", ErrSave, err)
	}
	// CreateTemp makes the file owner-only; reports are ordinary documents
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: setting permissions: %v", ErrSave, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: closing temp file: %v", ErrSave, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: renaming to %s: %v", ErrSave, path, err)
	}
	return nil
}

// Close releases the workbook.
func (w *Workbook) Close() error {
	return w.file.Close()
}
