package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/receipt-xlsx/internal/sheet"
)

// recordView adds the derived columns shown in the results table
type recordView struct {
	Record
	Buckets          Buckets `json:"buckets"`
	TotalAmount      int     `json:"total_amount"`
	InvoiceCompliant bool    `json:"invoice_compliant"`
}

type reportView struct {
	ID        string       `json:"id"`
	Filename  string       `json:"filename"`
	Records   []recordView `json:"records"`
	Summary   Summary      `json:"summary"`
	CreatedAt string       `json:"created_at"`
}

func newReportView(r *Result) reportView {
	views := make([]recordView, 0, len(r.Records))
	for _, rec := range r.Records {
		views = append(views, recordView{
			Record:           rec,
			Buckets:          rec.Buckets(),
			TotalAmount:      rec.TotalAmount(),
			InvoiceCompliant: rec.InvoiceCompliant(),
		})
	}
	return reportView{
		ID:        r.ID,
		Filename:  r.Filename,
		Records:   views,
		Summary:   r.Summary,
		CreatedAt: r.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// statusForKind picks the HTTP status a failure of kind k is reported with
func statusForKind(k Kind) int {
	switch k {
	case KindInput:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindRemoteFailed, KindMalformedResponse, KindExtraction:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeKindError reports err with its kind so the page can tell the user which stage failed
func writeKindError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	writeJSON(w, statusForKind(kind), map[string]any{
		"error":     err.Error(),
		"kind":      kind,
		"retryable": Retryable(kind),
	})
}

// handleIndex serves the single page interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleLogin checks the shared passphrase and starts a session
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.logins.Allow(clientIP(r)) {
		writeJSONError(w, http.StatusTooManyRequests, "Too many attempts. Please wait a moment.")
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if s.config.Password != "" && !s.checkPassword(req.Password) {
		slog.Warn("Rejected login", "remote", clientIP(r))
		writeJSONError(w, http.StatusUnauthorized, "Wrong password")
		return
	}

	sess := s.sessions.Create()
	s.setSessionCookie(w, r, sess)
	w.WriteHeader(http.StatusNoContent)
}

// handleLogout ends the caller's session and drops its report
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.sessions.sessionFromRequest(r); ok {
		s.sessions.Delete(sess.ID)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

// uploadContentType determines the content type of an uploaded file
func uploadContentType(header string, filename string) string {
	if ct, _, err := mime.ParseMediaType(header); err == nil && ct != "application/octet-stream" {
		return ct
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleCreateReport processes an uploaded document into a filled report
func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("File is too large. Maximum size is %dMB.", s.config.MaxUploadSize>>20))
			return
		}
		writeJSONError(w, http.StatusBadRequest, "Error parsing form")
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "No file was selected. Please choose a PDF to upload.")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSONError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	contentType := uploadContentType(header.Header.Get("Content-Type"), header.Filename)
	slog.Info("Processing upload", "session", sess.ID, "filename", header.Filename, "content_type", contentType, "size", len(data))

	report, err := s.service.ProcessUpload(r.Context(), header.Filename, data, contentType)
	if err != nil {
		slog.Error("Error processing upload", "filename", header.Filename, "kind", KindOf(err), "error", err)
		writeKindError(w, err)
		return
	}

	prev, ok := s.sessions.AttachReport(sess, report)
	if !ok {
		slog.Warn("Session ended during upload", "session", sess.ID, "report", report.ID)
		s.service.DiscardReport(report)
		writeJSONError(w, http.StatusUnauthorized, "Session ended during upload. Please log in again.")
		return
	}
	s.service.DiscardReport(prev)
	writeJSON(w, http.StatusCreated, newReportView(report))
}

// handleGetReport returns the session's latest report
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report := sessionFrom(r).Report()
	if report == nil {
		writeJSONError(w, http.StatusNotFound, "No report yet")
		return
	}
	writeJSON(w, http.StatusOK, newReportView(report))
}

// handleDownloadReport sends the filled workbook
func (s *Server) handleDownloadReport(w http.ResponseWriter, r *http.Request) {
	report := sessionFrom(r).Report()
	if report == nil {
		writeJSONError(w, http.StatusNotFound, "No report yet")
		return
	}

	data, err := s.service.ReportFile(report)
	if err != nil {
		slog.Error("Error reading report file", "report", report.ID, "error", err)
		writeKindError(w, err)
		return
	}

	w.Header().Set("Content-Type", sheet.XLSXContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": report.DownloadName()}))
	w.Write(data)
}
