package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/zombor/receipt-xlsx/internal/receipt"
	"github.com/zombor/receipt-xlsx/internal/scanning"
	"github.com/zombor/receipt-xlsx/internal/sheet"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// config holds the flags shared by every subcommand
type config struct {
	scanner      *string
	geminiKey    *string
	geminiModel  *string
	ollamaURL    *string
	ollamaModel  *string
	template     *string
	layout       *string
	layoutFile   *string
	pollInterval *time.Duration
	maxWait      *time.Duration
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	rootFlags := ff.NewFlagSet("receipt-xlsx")
	cfg := config{
		scanner:      rootFlags.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'"),
		geminiKey:    rootFlags.StringLong("gemini-key", "", "Google Gemini API key (or set GOOGLE_API_KEY / GEMINI_API_KEY)"),
		geminiModel:  rootFlags.StringLong("gemini-model", scanning.DefaultGeminiModel, "Google Gemini model name"),
		ollamaURL:    rootFlags.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL"),
		ollamaModel:  rootFlags.StringLong("ollama-model", "qwen2.5vl", "Ollama vision model name"),
		template:     rootFlags.StringLong("template", "template.xlsx", "Expense report template workbook"),
		layout:       rootFlags.StringLong("layout", sheet.DefaultLayout, "Built-in layout: "+strings.Join(sheet.BuiltinNames(), ", ")),
		layoutFile:   rootFlags.StringLong("layout-file", "", "TOML layout file (overrides --layout)"),
		pollInterval: rootFlags.DurationLong("poll-interval", scanning.DefaultPollInterval, "How often to check uploaded file state"),
		maxWait:      rootFlags.DurationLong("max-wait", scanning.DefaultMaxWait, "How long to wait for the uploaded file to become active"),
	}

	root := &ff.Command{
		Name:      "receipt-xlsx",
		Usage:     "receipt-xlsx [FLAGS] <SUBCOMMAND> ...",
		ShortHelp: "extract receipts from a scanned PDF into an expense report workbook",
		Flags:     rootFlags,
		Exec: func(ctx context.Context, args []string) error {
			return ff.ErrHelp
		},
	}

	runFlags := ff.NewFlagSet("run").SetParent(rootFlags)
	runCmd := &ff.Command{
		Name:      "run",
		Usage:     "receipt-xlsx run [FLAGS] <input.pdf> <template.xlsx> <output.xlsx>",
		ShortHelp: "fill a report from one document and exit",
		Flags:     runFlags,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 3 {
				return fmt.Errorf("run takes <input.pdf> <template.xlsx> <output.xlsx>, got %d arguments", len(args))
			}
			*cfg.template = args[1]
			return runBatch(ctx, cfg, args[0], args[2])
		},
	}

	serveFlags := ff.NewFlagSet("serve").SetParent(rootFlags)
	var (
		port        = serveFlags.IntLong("port", 8080, "HTTP server port")
		password    = serveFlags.StringLong("password", "", "Shared login passphrase (optional)")
		storagePath = serveFlags.StringLong("storage", filepath.Join(os.TempDir(), "receipt-xlsx"), "Directory for generated reports")
	)
	serveCmd := &ff.Command{
		Name:      "serve",
		Usage:     "receipt-xlsx serve [FLAGS]",
		ShortHelp: "run the upload web page",
		Flags:     serveFlags,
		Exec: func(ctx context.Context, args []string) error {
			return serve(ctx, cfg, fmt.Sprintf(":%d", *port), *password, *storagePath)
		},
	}

	root.Subcommands = []*ff.Command{runCmd, serveCmd}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := root.ParseAndRun(ctx, os.Args[1:], ff.WithEnvVarPrefix("RECEIPT_XLSX"))
	switch {
	case err == nil:
	case errors.Is(err, ff.ErrHelp):
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(root.GetSelected()))
	default:
		if receipt.KindOf(err) != receipt.KindUnknown {
			slog.Error("Failed", "kind", receipt.KindOf(err), "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(root.GetSelected()))
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

// newExtractor builds the configured scanning backend
func newExtractor(cfg config) (scanning.Extractor, error) {
	switch *cfg.scanner {
	case "gemini":
		apiKey := *cfg.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GOOGLE_API_KEY")
		}
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, &receipt.Error{
				Kind: receipt.KindConfig,
				Op:   "configuring gemini",
				Err:  errors.New("API key is required. Set --gemini-key or GOOGLE_API_KEY"),
			}
		}
		slog.Info("Initializing Gemini scanner...", "model", *cfg.geminiModel)
		ext, err := scanning.NewGemini(apiKey, *cfg.geminiModel, scanning.PollConfig{
			Interval: *cfg.pollInterval,
			MaxWait:  *cfg.maxWait,
		})
		if err != nil {
			return nil, &receipt.Error{Kind: receipt.KindConfig, Op: "initializing gemini", Err: err}
		}
		return ext, nil
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *cfg.ollamaURL, "model", *cfg.ollamaModel)
		ext, err := scanning.NewOllama(*cfg.ollamaURL, *cfg.ollamaModel)
		if err != nil {
			return nil, &receipt.Error{Kind: receipt.KindConfig, Op: "initializing ollama", Err: err}
		}
		return ext, nil
	default:
		return nil, &receipt.Error{
			Kind: receipt.KindConfig,
			Op:   "selecting scanner",
			Err:  fmt.Errorf("invalid scanner type %q, want gemini or ollama", *cfg.scanner),
		}
	}
}

func loadLayout(cfg config) (*sheet.Layout, error) {
	var (
		layout *sheet.Layout
		err    error
	)
	if *cfg.layoutFile != "" {
		layout, err = sheet.LoadLayout(*cfg.layoutFile)
	} else {
		layout, err = sheet.BuiltinLayout(*cfg.layout)
	}
	if err != nil {
		return nil, &receipt.Error{Kind: receipt.KindConfig, Op: "loading layout", Err: err}
	}
	return layout, nil
}

// newService wires the extractor, layout and template together. The caller
// closes the returned extractor.
func newService(cfg config, layout *sheet.Layout, storage receipt.Storage) (*receipt.Service, scanning.Extractor, error) {
	extractor, err := newExtractor(cfg)
	if err != nil {
		return nil, nil, err
	}

	service := receipt.NewService(extractor, *cfg.template, layout, storage)
	if err := service.CheckTemplate(); err != nil {
		extractor.Close()
		return nil, nil, err
	}
	return service, extractor, nil
}

func contentTypeFor(path string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); ct != "" {
		return ct
	}
	return "application/pdf"
}

// runBatch extracts every receipt from input and writes the filled report to output
func runBatch(ctx context.Context, cfg config, input, output string) error {
	layout, err := loadLayout(cfg)
	if err != nil {
		return err
	}

	service, extractor, err := newService(cfg, layout, nil)
	if err != nil {
		return err
	}
	defer extractor.Close()

	data, err := os.ReadFile(input)
	if err != nil {
		return &receipt.Error{Kind: receipt.KindInput, Op: "reading " + input, Err: err}
	}

	slog.Info("Analyzing document", "input", input, "size", len(data))
	records, err := service.Analyze(ctx, data, contentTypeFor(input))
	if err != nil {
		return err
	}

	for i, r := range records {
		state := "OK"
		if r.Status == receipt.StatusError {
			state = "ERR"
		}
		slog.Info(state,
			"row", layout.Row(i),
			"date", deref(r.Date),
			"store", deref(r.StoreName),
			"total", r.TotalAmount(),
			"error", deref(r.ErrorMessage),
		)
	}

	summary := receipt.Summarize(records)
	slog.Info("Summary",
		"receipts", summary.Count,
		"succeeded", summary.SuccessCount,
		"total_10", summary.Total10,
		"total_8", summary.Total8,
		"total_non_invoice", summary.TotalNonInvoice,
		"total", summary.Total,
	)

	if err := service.WriteReport(records, output); err != nil {
		return err
	}
	slog.Info("Report written", "output", output)
	return nil
}

func serve(ctx context.Context, cfg config, addr, password, storagePath string) error {
	slog.Info("Initializing storage...", "path", storagePath)
	store, err := receipt.NewLocalStorage(storagePath)
	if err != nil {
		return &receipt.Error{Kind: receipt.KindConfig, Op: "initializing storage", Err: err}
	}

	layout, err := loadLayout(cfg)
	if err != nil {
		return err
	}

	service, extractor, err := newService(cfg, layout, store)
	if err != nil {
		return err
	}
	defer extractor.Close()

	server := receipt.NewServer(service, receipt.ServerConfig{Password: password})
	if password == "" {
		slog.Warn("No --password set, the upload page is open to anyone who can reach it")
	}

	slog.Info("Server started", "address", "http://localhost"+addr)
	if err := server.Start(ctx, addr); err != nil {
		return err
	}
	slog.Info("Shutting down...")
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
