package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/xhad/docchat/internal/app"
	"github.com/xhad/docchat/internal/models"
	cfgPkg "github.com/xhad/docchat/pkg/config"
	"github.com/xhad/docchat/pkg/llm"
	"github.com/xhad/docchat/pkg/pipeline"
	"github.com/xhad/docchat/pkg/scraper"
)

type Config struct {
	ConfigPath string
	BaseURL    string
	DBUrl      string
	UserID     string
	File       string
	URL        string
	MaxDepth   int
	ChatID     string
}

func main() {
	_ = godotenv.Load()
	log.SetOutput(os.Stderr)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	command := os.Args[1]
	config := parseFlags(command, os.Args[2:])

	var err error
	switch command {
	case "ingest":
		err = runIngest(config)
	case "ask":
		err = runAsk(config)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  docchat ingest -file doc.pdf -user USER")
	fmt.Fprintln(os.Stderr, "  docchat ingest -url https://example.com/papers -user USER [-depth 1]")
	fmt.Fprintln(os.Stderr, "  docchat ask -user USER [-chat CHAT_ID] [-file doc.pdf]")
}

func parseFlags(command string, args []string) Config {
	var config Config

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	fs.StringVar(&config.ConfigPath, "config", "", "Path to config file")
	fs.StringVar(&config.BaseURL, "ollama-url", "", "Ollama server URL")
	fs.StringVar(&config.DBUrl, "db-url", "", "PostgreSQL connection string")
	fs.StringVar(&config.UserID, "user", os.Getenv("DOCCHAT_USER"), "User id that owns the documents")
	fs.StringVar(&config.File, "file", "", "PDF file to ingest")
	fs.StringVar(&config.URL, "url", "", "PDF URL or web page linking to PDFs")
	fs.IntVar(&config.MaxDepth, "depth", 1, "Link depth to follow from -url")
	fs.StringVar(&config.ChatID, "chat", "", "Existing chat id to continue")
	fs.Parse(args)

	return config
}

func buildApp(config Config) (*app.App, error) {
	cfg, err := cfgPkg.LoadConfig(config.ConfigPath)
	if err != nil {
		return nil, err
	}
	if config.BaseURL != "" {
		cfg.LLM.BaseURL = config.BaseURL
	}
	if config.DBUrl != "" {
		cfg.Database.URL = config.DBUrl
	}
	// the CLI acts as the user named on the command line
	cfg.Auth.Mode = "header"

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %v", errs[0])
	}
	if config.UserID == "" {
		return nil, fmt.Errorf("-user is required")
	}

	return app.Build(context.Background(), cfg)
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("chunks"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func runIngest(config Config) error {
	if config.File == "" && config.URL == "" {
		return fmt.Errorf("-file or -url is required")
	}

	a, err := buildApp(config)
	if err != nil {
		return err
	}
	defer a.Close()

	if config.File != "" {
		if _, err := ingestFile(a, config); err != nil {
			return err
		}
	}
	if config.URL != "" {
		return ingestURL(a, config)
	}
	return nil
}

func ingestFile(a *app.App, config Config) (*models.IngestResult, error) {
	data, err := os.ReadFile(config.File)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", config.File, err)
	}

	return ingestUpload(a, models.Upload{
		UserID:      config.UserID,
		FileName:    filepath.Base(config.File),
		ContentType: "application/pdf",
		Data:        data,
	})
}

// ingestURL downloads the PDFs found at config.URL and ingests each one.
func ingestURL(a *app.App, config Config) error {
	s, err := scraper.NewWithConfig(scraper.ScraperConfig{
		BaseURL:      config.URL,
		MaxDepth:     config.MaxDepth,
		MaxFileBytes: int64(a.Config.Server.MaxUploadMB) << 20,
		OnProgress: func(url string) {
			color.Cyan("→ Scanning %s", url)
		},
	})
	if err != nil {
		return err
	}

	spinner := getSpinner(" Downloading PDFs...")
	uploads, err := s.Collect(context.Background())
	spinner.Finish()
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to collect documents: %v", err)
	}
	if len(uploads) == 0 {
		color.Yellow("No PDF documents found at %s", config.URL)
		return nil
	}

	var failed int
	for _, upload := range uploads {
		upload.UserID = config.UserID
		color.Blue("\n%s", upload.FileName)
		if _, err := ingestUpload(a, upload); err != nil {
			color.Red("✗ %s: %v", upload.FileName, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(uploads))
	}
	return nil
}

// ingestUpload runs the ingestion pipeline with a progress bar per counted step.
func ingestUpload(a *app.App, upload models.Upload) (*models.IngestResult, error) {
	// upsert progress may arrive from several workers
	var mu sync.Mutex
	var bar *progressbar.ProgressBar
	finishBar := func() {
		if bar != nil {
			bar.Finish()
			fmt.Println()
			bar = nil
		}
	}

	result, err := a.Ingestor.Ingest(context.Background(), upload,
		pipeline.WithStepHook(func(step pipeline.Step) {
			mu.Lock()
			defer mu.Unlock()
			finishBar()
			if step != pipeline.StepReceived && step != pipeline.StepDone {
				color.Cyan("→ %s", step.Label())
			}
		}),
		pipeline.WithProgress(func(step pipeline.Step, done, total int) {
			mu.Lock()
			defer mu.Unlock()
			if bar == nil {
				bar = getProgressBar(total, " "+step.Label())
			}
			bar.Set(done)
		}),
	)
	finishBar()
	if err != nil {
		return nil, err
	}

	color.Green("✓ Processed %d chunks from %s (%d pages)", result.Chunks, upload.FileName, result.Pages)
	color.Green("✓ Chat %s", result.ChatID)
	return result, nil
}

func runAsk(config Config) error {
	a, err := buildApp(config)
	if err != nil {
		return err
	}
	defer a.Close()

	chatID := config.ChatID
	if config.File != "" {
		result, err := ingestFile(a, config)
		if err != nil {
			return err
		}
		chatID = result.ChatID
	}

	// Interactive chat loop with colored output
	color.Cyan("\nAsk questions about your documents (type 'exit' to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		query := strings.TrimSpace(scanner.Text())
		if strings.ToLower(query) == "exit" {
			break
		}
		if query == "" {
			continue
		}

		spinner := getSpinner(" Thinking...")
		answer, err := a.Queries.Ask(context.Background(), pipeline.Question{
			UserID:  config.UserID,
			ChatID:  chatID,
			Message: query,
		}, pipeline.WithStepHook(func(step pipeline.Step) {
			spinner.Describe(color.CyanString(" " + step.Label()))
		}))
		spinner.Finish()

		if err != nil {
			color.Red("\nError: %v", err)
			continue
		}

		chatID = answer.ChatID
		assistantPrompt("\nAssistant: %s\n", answer.Response)
		if sources := llm.CiteSources(answer.Matches); len(sources) > 0 {
			color.White("Sources: %s", strings.Join(sources, ", "))
		}
	}

	return nil
}
