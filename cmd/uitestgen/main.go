package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/v0xg/uitestgen/internal/ai"
	"github.com/v0xg/uitestgen/internal/config"
	"github.com/v0xg/uitestgen/internal/crawler"
	"github.com/v0xg/uitestgen/internal/pipeline"
	"github.com/v0xg/uitestgen/internal/selector"
	"github.com/v0xg/uitestgen/internal/server"
	"github.com/v0xg/uitestgen/internal/testcase"
	"github.com/v0xg/uitestgen/internal/testgen"
)

var (
	configPath string
	provider   string
	model      string
	verbose    bool

	projectID    string
	suiteID      string
	userID       string
	learningPath string
	suggestFlows bool
	width        int
	height       int
	profile      string
	asJSON       bool

	listProjectID string

	addr string
)

func main() {
	// Load .env file if present (silently ignore if not found)
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree and binds the flag variables.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "uitestgen",
		Short: "Generate UI test cases for web pages using AI",
		Long: `uitestgen analyzes a web page, asks an AI model for an end-to-end test plan,
resolves every step to a robust selector and stores the resulting test case.

Example:
  uitestgen generate "https://myapp.com/login" --project shop --user alice`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&provider, "provider", "", "AI provider: claude, openai (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "Specific model override")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed progress")

	generateCmd := &cobra.Command{
		Use:   "generate <url>",
		Short: "Analyze a page and generate a stored test case",
		Args:  cobra.ExactArgs(1),
		RunE:  runGenerate,
	}
	generateCmd.Flags().StringVar(&projectID, "project", "default", "Project ID")
	generateCmd.Flags().StringVar(&suiteID, "suite", "", "Suite ID")
	generateCmd.Flags().StringVar(&userID, "user", defaultUser(), "User the test case is created for")
	generateCmd.Flags().StringVar(&learningPath, "learning", "", "JSON file with learning context hints")
	generateCmd.Flags().BoolVar(&suggestFlows, "suggest-flows", true, "Ask the analysis model for user flows first")
	generateCmd.Flags().IntVar(&width, "width", 0, "Viewport width (default: from config)")
	generateCmd.Flags().IntVar(&height, "height", 0, "Viewport height (default: from config)")
	generateCmd.Flags().StringVar(&profile, "profile", "", "Chrome/Chromium profile directory for authenticated sessions (close browser first)")
	generateCmd.Flags().BoolVar(&asJSON, "json", false, "Print the stored test case as JSON")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and metrics",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a stored test case",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored test cases",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listProjectID, "project", "", "Only list this project's test cases")

	rootCmd.AddCommand(generateCmd, serveCmd, showCmd, listCmd)
	return rootCmd
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	store    *testcase.Store
	engine   *ai.Engine
	pipeline *pipeline.Pipeline
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Flags win over the environment.
	if provider != "" {
		os.Setenv("UITESTGEN_PROVIDER", provider)
	}
	if model != "" {
		os.Setenv("UITESTGEN_MODEL", model)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// newApp wires the store and, when withEngine is set, the AI pipeline.
func newApp(withEngine bool) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}

	a.store, err = testcase.Open(cfg.Store.Path, testcase.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if !withEngine {
		return a, nil
	}

	p, err := ai.NewProvider(cfg.Provider)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("AI provider init failed: %w", err)
	}
	a.engine, err = ai.NewEngine(cfg, p, ai.NewClientState(ai.BreakerConfigFrom(cfg), nil),
		ai.WithLogger(logger),
		ai.WithMetrics(ai.NewMetrics(a.registry)),
		ai.WithBudget(ai.NewBudgetFrom(cfg, nil)),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	crawlOpts := crawler.Options{
		Width:      cfg.Crawler.Width,
		Height:     cfg.Crawler.Height,
		Timeout:    config.Millis(cfg.Crawler.TimeoutMs),
		ProfileDir: cfg.Crawler.ProfileDir,
	}
	if width > 0 {
		crawlOpts.Width = width
	}
	if height > 0 {
		crawlOpts.Height = height
	}
	if profile != "" {
		crawlOpts.ProfileDir = profile
	}

	gen := testgen.New(selector.New(), a.store,
		testgen.WithLogger(logger),
		testgen.WithMetrics(testgen.NewMetrics(a.registry)),
	)
	a.pipeline = pipeline.New(crawler.New(crawlOpts, logger), a.engine, gen, logger)
	return a, nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	url := args[0]

	var learning ai.LearningContext
	if learningPath != "" {
		data, err := os.ReadFile(learningPath)
		if err != nil {
			return fmt.Errorf("read learning context: %w", err)
		}
		if err := json.Unmarshal(data, &learning); err != nil {
			return fmt.Errorf("parse learning context %s: %w", learningPath, err)
		}
	}

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	logVerbose("Starting uitestgen")
	logVerbose("  URL: %s", url)
	logVerbose("  Provider: %s (%s)", a.cfg.Provider, a.cfg.Models.Generation)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := false
	progress := func(stage string) {
		if started {
			fmt.Println("done")
		}
		started = true
		switch stage {
		case "analyze":
			fmt.Printf("→ Analyzing %s... ", url)
		case "flows":
			fmt.Printf("→ Suggesting user flows via %s... ", a.cfg.Provider)
		case "specification":
			fmt.Printf("→ Generating test specification via %s... ", a.cfg.Provider)
		case "testcase":
			fmt.Printf("→ Resolving selectors and storing test case... ")
		}
	}

	res, err := a.pipeline.Run(ctx, pipeline.Request{
		URL:         url,
		Learning:    learning,
		SuggestFlow: suggestFlows,
		ProjectID:   projectID,
		SuiteID:     suiteID,
		UserID:      userID,
	}, progress)
	if err != nil {
		fmt.Println("failed")
		var verr *ai.ValidationError
		if errors.As(err, &verr) {
			logVerbose("  validation problems: %s", verr.Detail())
		}
		return err
	}
	fmt.Println("done")

	if asJSON {
		return printJSON(res.TestCase)
	}
	fmt.Printf("  found %d interactive elements, %d flows\n", len(res.Analysis.Elements), len(res.Analysis.Flows))
	printTestCase(res.TestCase)
	fmt.Printf("✓ Saved test case %s to %s\n", res.TestCase.ID, a.cfg.Store.Path)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.New(a.pipeline, a.store, a.engine, a.registry, a.logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("→ Listening on %s\n", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fmt.Println("→ Shutting down...")
	return srv.Shutdown(shutdownCtx)
}

func runShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	tc, err := a.store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(tc)
	}
	printTestCase(tc)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	cases, err := a.store.List(cmd.Context(), listProjectID)
	if err != nil {
		return err
	}
	if len(cases) == 0 {
		fmt.Println("No test cases stored")
		return nil
	}
	for _, tc := range cases {
		fmt.Printf("%s  %-30s  %-12s  %d steps  %s\n",
			tc.ID, tc.Name, tc.ProjectID, len(tc.Steps), tc.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func printTestCase(tc *testcase.TestCase) {
	fmt.Printf("%s (%s, %s)\n", tc.Name, tc.Type, tc.Priority)
	if tc.Description != "" {
		fmt.Printf("  %s\n", tc.Description)
	}
	for _, s := range tc.Steps {
		switch s.Action {
		case "type":
			fmt.Printf("  [%d] %s → %s (text: %q)\n", s.StepNumber, s.Action, s.Target, s.Value)
		case "wait":
			fmt.Printf("  [%d] %s → %sms\n", s.StepNumber, s.Action, s.Target)
		default:
			fmt.Printf("  [%d] %s → %s\n", s.StepNumber, s.Action, s.Target)
		}
		if s.ExpectedResult != "" {
			fmt.Printf("      expect: %s\n", s.ExpectedResult)
		}
	}
	if len(tc.Tags) > 0 {
		fmt.Printf("  tags: %v\n", tc.Tags)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func logVerbose(format string, args ...any) {
	if verbose {
		fmt.Printf(format+"\n", args...)
	}
}
