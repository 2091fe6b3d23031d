package scanning

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

const (
	DefaultGeminiModel  = "gemini-2.5-flash"
	DefaultPollInterval = time.Second
	DefaultMaxWait      = 5 * time.Minute
)

// PollConfig bounds the wait for an uploaded file to become usable
type PollConfig struct {
	Interval time.Duration
	MaxWait  time.Duration
}

func (p PollConfig) withDefaults() PollConfig {
	if p.Interval <= 0 {
		p.Interval = DefaultPollInterval
	}
	if p.MaxWait <= 0 {
		p.MaxWait = DefaultMaxWait
	}
	return p
}

// fileService is the part of the Gemini File API the extractor uses
type fileService interface {
	UploadFile(ctx context.Context, name string, r io.Reader, opts *genai.UploadFileOptions) (*genai.File, error)
	GetFile(ctx context.Context, name string) (*genai.File, error)
	DeleteFile(ctx context.Context, name string) error
}

// contentGenerator is satisfied by *genai.GenerativeModel
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Gemini implements the Extractor interface using Google Gemini
type Gemini struct {
	client *genai.Client
	files  fileService
	model  contentGenerator
	poll   PollConfig
}

// NewGemini creates a new Gemini Extractor instance
func NewGemini(apiKey string, modelName string, poll PollConfig) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(receiptSystemInstruction)},
	}

	return &Gemini{
		client: client,
		files:  client,
		model:  model,
		poll:   poll.withDefaults(),
	}, nil
}

func newGeminiWithDeps(files fileService, model contentGenerator, poll PollConfig) *Gemini {
	return &Gemini{
		files: files,
		model: model,
		poll:  poll.withDefaults(),
	}
}

// ExtractReceipts uploads the document, waits for it to be processed and
// asks the model for the receipt array
func (g *Gemini) ExtractReceipts(ctx context.Context, data []byte, contentType string) ([]ReceiptData, error) {
	docData, mimeType, err := prepareDocument(data, contentType)
	if err != nil {
		return nil, err
	}

	file, err := g.files.UploadFile(ctx, "", bytes.NewReader(docData), &genai.UploadFileOptions{
		DisplayName: "receipts-" + uuid.NewString(),
		MIMEType:    mimeType,
	})
	if err != nil {
		return nil, fmt.Errorf("uploading file: %w", err)
	}
	defer g.deleteFile(file.Name)

	slog.Info("Uploaded document, waiting for processing", "file", file.Name, "mime_type", mimeType, "size", len(docData))

	file, err = g.waitForFile(ctx, file)
	if err != nil {
		return nil, err
	}

	resp, err := g.model.GenerateContent(ctx,
		genai.FileData{MIMEType: file.MIMEType, URI: file.URI},
		genai.Text(receiptScanPrompt),
	)
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: no response from gemini", ErrMalformedResponse)
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	receipts, err := parseReceiptsJSON(responseText.String())
	if err != nil {
		return nil, fmt.Errorf("parsing receipt data: %w", err)
	}
	return receipts, nil
}

// waitForFile polls the file state at a fixed interval until it leaves
// PROCESSING, the maximum wait elapses or ctx is done
func (g *Gemini) waitForFile(ctx context.Context, file *genai.File) (*genai.File, error) {
	deadline := time.Now().Add(g.poll.MaxWait)
	ticker := time.NewTicker(g.poll.Interval)
	defer ticker.Stop()

	for file.State == genai.FileStateProcessing {
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: file %s after %s", ErrTimeout, file.Name, g.poll.MaxWait)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for file %s: %w", file.Name, ctx.Err())
		case <-ticker.C:
		}

		next, err := g.files.GetFile(ctx, file.Name)
		if err != nil {
			return nil, fmt.Errorf("getting file state: %w", err)
		}
		file = next
	}

	if file.State == genai.FileStateFailed {
		return nil, fmt.Errorf("%w: file %s", ErrProcessingFailed, file.Name)
	}
	return file, nil
}

func (g *Gemini) deleteFile(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := g.files.DeleteFile(ctx, name); err != nil {
		slog.Warn("Failed to delete uploaded file", "file", name, "error", err)
	}
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
