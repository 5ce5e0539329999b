// Command switchboard runs the delegation core as a small interactive
// process: it wires the master from config, registers a couple of example
// targets, and answers queries read from stdin. It doubles as the wiring
// reference for embedding the master elsewhere.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"switchboard/pkg/comms"
	"switchboard/pkg/config"
	"switchboard/pkg/degrade"
	"switchboard/pkg/delegate"
	"switchboard/pkg/llm"
	"switchboard/pkg/logx"
	"switchboard/pkg/master"
	"switchboard/pkg/metrics"
	"switchboard/pkg/persistence"
	"switchboard/pkg/resilience/circuit"
	"switchboard/pkg/resilience/ratelimit"
	"switchboard/pkg/routing"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	var (
		configPath  = flag.String("config", "switchboard.yaml", "Path to config file")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("switchboard %s (%s)\n", version, commit)
		os.Exit(0)
	}

	logx.SetDebug(*debug)
	os.Exit(run(*configPath))
}

// run contains the main application logic and returns an exit code so
// defers execute before the process exits.
func run(configPath string) int {
	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("config: %v", err)
		return 1
	}

	recorder := metrics.NewRecorder()

	var store *persistence.Store
	if cfg.Persistence.Path != "" {
		store, err = persistence.Open(cfg.Persistence.Path)
		if err != nil {
			logger.Error("persistence: %v", err)
			return 1
		}
		defer func() { _ = store.Close() }()
	}

	breakerOpts := []circuit.Option{circuit.WithStateChange(recorder.StateChangeFunc())}
	if store != nil {
		breakerOpts = append(breakerOpts, circuit.WithStore(store))
	}
	breakers := circuit.NewRegistry(cfg.Breakers(), breakerOpts...)
	limiter := ratelimit.NewLimiter(cfg.RateLimiter())
	health := degrade.NewManager(cfg.Degrade(), degrade.WithLevelChange(recorder.LevelChangeFunc()))
	defer health.Shutdown()

	client := buildClient(cfg)

	m := master.New(master.Deps{
		Comms:      cfg.Manager(),
		Delegation: cfg.Coordinator(),
		Routing:    cfg.Router(),
		Breakers:   breakers,
		Limiter:    limiter,
		Health:     health,
		Scorer:     routing.NewLLMScorer(client),
		Recorder:   recorder,
	})
	defer m.Shutdown()

	m.OnEvent(comms.Wildcard, recorder.EventFunc())
	if store != nil {
		m.OnEvent(comms.Wildcard, store.AuditFunc())
	}

	if err := registerExamples(m, client, cfg); err != nil {
		logger.Error("register targets: %v", err)
		return 1
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Listen, recorder)
	}

	return repl(m)
}

// buildClient picks the provider from config.
func buildClient(cfg config.Config) llm.Client {
	switch cfg.LLM.Provider {
	case "openai":
		return llm.NewOpenAIClient(cfg.APIKey(), cfg.LLM.Model)
	case "ollama":
		return llm.NewOllamaClient(cfg.LLM.Host, cfg.LLM.Model)
	case "gemini":
		return llm.NewGeminiClient(cfg.APIKey(), cfg.LLM.Model)
	default:
		return llm.NewAnthropicClient(cfg.APIKey(), cfg.LLM.Model)
	}
}

// registerExamples wires two demonstration targets: a direct clock tool
// and a small concierge department that can call it.
func registerExamples(m *master.Master, client llm.Client, cfg config.Config) error {
	clock := &delegate.ToolSpec{
		Name:        "clock",
		Description: "tells the current date and time",
		Parameters:  llm.InputSchema{Type: "object"},
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			return map[string]any{"text": time.Now().Format(time.RFC1123)}, nil
		},
	}
	if err := m.RegisterTool(clock, routing.ContextCard{
		Purpose:        "tell the current date or time",
		WhenToUse:      "the caller asks what time or day it is",
		ExamplePhrases: []string{"what time is it", "what day is today"},
		RiskLevel:      routing.RiskLow,
	}); err != nil {
		return err
	}

	concierge := &delegate.DepartmentSpec{
		Name:         "concierge",
		Description:  "answers general questions, may look up the time",
		SystemPrompt: "You are a helpful concierge. Answer briefly. Use tools when they help.",
		Client:       client,
		Tools:        []*delegate.ToolSpec{clock},
		MaxTurns:     cfg.MaxTurns,
	}
	return m.RegisterDepartment(concierge, routing.ContextCard{
		Purpose:   "answer general questions",
		WhenToUse: "no specialised target fits the request",
		RiskLevel: routing.RiskLow,
	})
}

func serveMetrics(listen string, recorder *metrics.Recorder) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	server := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Infof("metrics server stopped: %v", err)
	}
}

// repl reads one query per line and speaks the master's answer. Lines of
// the form "@target query" name a delegation target directly.
func repl(m *master.Master) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("switchboard ready. One query per line, @target to name a target, Ctrl-D to exit.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nshutting down")
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var target string
			if strings.HasPrefix(line, "@") {
				target, line, _ = strings.Cut(line[1:], " ")
			}
			fmt.Println(m.Speak(ctx, line, target))
		}
	}
}
