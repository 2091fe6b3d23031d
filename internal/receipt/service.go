package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-xlsx/internal/scanning"
	"github.com/zombor/receipt-xlsx/internal/sheet"
)

// IDGenerator generates unique IDs for reports
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Result is one processed upload and its filled workbook
type Result struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Records   []Record  `json:"records"`
	Summary   Summary   `json:"summary"`
	CreatedAt time.Time `json:"created_at"`

	file string
}

// DownloadName is the suggested filename for the filled workbook
func (r *Result) DownloadName() string {
	base := strings.TrimSuffix(r.Filename, filepath.Ext(r.Filename))
	return "expense-report_" + sanitizeFilename(base+".xlsx")
}

// Service extracts receipts and fills the report template
type Service struct {
	extractor    scanning.Extractor
	templatePath string
	layout       *sheet.Layout
	storage      Storage
	idGenerator  IDGenerator
	timeSource   TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(extractor scanning.Extractor, templatePath string, layout *sheet.Layout, storage Storage) *Service {
	return NewServiceWithDeps(extractor, templatePath, layout, storage, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(extractor scanning.Extractor, templatePath string, layout *sheet.Layout, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		extractor:    extractor,
		templatePath: templatePath,
		layout:       layout,
		storage:      storage,
		idGenerator:  idGen,
		timeSource:   timeSrc,
	}
}

var unsafeFilenameChars = regexp.MustCompile(`[^\p{L}\p{N}\s\-_.]`)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = regexp.MustCompile(`\s+`).ReplaceAllString(base, " ")
	base = strings.Trim(strings.TrimSpace(base), ".")

	if r := []rune(base); len(r) > 50 {
		base = string(r[:50])
	}
	if base == "" {
		base = "receipts"
	}
	return base + ext
}

// CheckTemplate fails fast when the template is missing, before any remote call
func (s *Service) CheckTemplate() error {
	if _, err := os.Stat(s.templatePath); err != nil {
		return &Error{Kind: KindWorkbook, Op: "checking template", Err: fmt.Errorf("%w: %v", sheet.ErrTemplate, err)}
	}
	return nil
}

// Analyze extracts the receipts from a document and returns them in report order
func (s *Service) Analyze(ctx context.Context, data []byte, contentType string) ([]Record, error) {
	if len(data) == 0 {
		return nil, &Error{Kind: KindInput, Op: "reading upload", Err: fmt.Errorf("empty file")}
	}

	started := s.timeSource.Now()
	scanned, err := s.extractor.ExtractReceipts(ctx, data, contentType)
	if err != nil {
		slog.Error("Failed to extract receipts",
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		return nil, wrap("extracting receipts", KindExtraction, err)
	}

	records := make([]Record, 0, len(scanned))
	for _, d := range scanned {
		records = append(records, FromScan(d))
	}

	slog.Info("Extracted receipts", "count", len(records), "elapsed", s.timeSource.Now().Sub(started))
	return Normalize(records), nil
}

// Render opens the template and fills in the records. The caller closes the workbook.
func (s *Service) Render(records []Record) (*sheet.Workbook, error) {
	wb, err := sheet.Open(s.templatePath, s.layout)
	if err != nil {
		return nil, wrap("opening template", KindWorkbook, err)
	}

	entries := make([]sheet.Line, 0, len(records))
	for _, r := range records {
		entries = append(entries, r.Line())
	}
	if err := wb.Populate(entries); err != nil {
		wb.Close()
		return nil, wrap("filling template", KindWorkbook, err)
	}
	return wb, nil
}

// WriteReport fills the template with records and saves it to outputPath
func (s *Service) WriteReport(records []Record, outputPath string) error {
	wb, err := s.Render(records)
	if err != nil {
		return err
	}
	defer wb.Close()

	if err := wb.Save(outputPath); err != nil {
		return wrap("saving report", KindWorkbook, err)
	}
	return nil
}

// ProcessUpload runs the whole pipeline for an uploaded document and keeps
// the filled workbook in storage under a fresh ID
func (s *Service) ProcessUpload(ctx context.Context, filename string, data []byte, contentType string) (*Result, error) {
	if err := s.CheckTemplate(); err != nil {
		return nil, err
	}

	records, err := s.Analyze(ctx, data, contentType)
	if err != nil {
		return nil, err
	}

	wb, err := s.Render(records)
	if err != nil {
		return nil, err
	}
	defer wb.Close()

	content, err := wb.Bytes()
	if err != nil {
		return nil, wrap("serializing report", KindWorkbook, err)
	}

	id := s.idGenerator.Generate()
	saved, err := s.storage.Save(id+".xlsx", content)
	if err != nil {
		return nil, wrap("storing report", KindWorkbook, err)
	}

	return &Result{
		ID:        id,
		Filename:  sanitizeFilename(filename),
		Records:   records,
		Summary:   Summarize(records),
		CreatedAt: s.timeSource.Now(),
		file:      saved,
	}, nil
}

// ReportFile returns the stored workbook for a report
func (s *Service) ReportFile(report *Result) ([]byte, error) {
	data, err := s.storage.Get(report.file)
	if err != nil {
		return nil, wrap("reading report", KindWorkbook, err)
	}
	return data, nil
}

// DiscardReport removes the stored workbook for a report
func (s *Service) DiscardReport(report *Result) {
	if report == nil || report.file == "" {
		return
	}
	if err := s.storage.Delete(report.file); err != nil {
		slog.Warn("Failed to delete report file", "report", report.ID, "error", err)
	}
}
