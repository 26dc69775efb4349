package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pmezard/go-difflib/difflib"

	"tradeflow/internal/config"
	"tradeflow/internal/phases"
	"tradeflow/internal/registry"
	"tradeflow/internal/retry"
	"tradeflow/internal/runner"
	"tradeflow/internal/scheduler"
	"tradeflow/internal/schema"
	"tradeflow/internal/session"
	"tradeflow/internal/slo"
	"tradeflow/internal/workspace"
)

const appName = "tradeflow"

func main() {
	_ = godotenv.Load()

	flag.String("root", "", "Path to workspace root")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s: trading automation workflow orchestrator\n\n", appName)
		fmt.Fprintf(os.Stderr, "Usage:\n  %s [command] [flags]\n\n", appName)
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "  run       Run all configured phases once")
		fmt.Fprintln(os.Stderr, "  sessions  Inspect past sessions")
		fmt.Fprintln(os.Stderr, "  slo       Evaluate service level objectives")
		fmt.Fprintln(os.Stderr, "  help      Show this help")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		flag.PrintDefaults()
	}

	rootPath, remaining, err := extractRootFlag(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if rootPath == "" {
		rootPath = os.Getenv("TRADEFLOW_ROOT")
	}

	args := remaining
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		flag.Usage()
		return
	}

	switch args[0] {
	case "run":
		if err := runRun(args[1:], rootPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "sessions":
		if err := runSessions(args[1:], rootPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "slo":
		if err := runSLO(args[1:], rootPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(1)
	}
}

func extractRootFlag(args []string) (string, []string, error) {
	var rootPath string
	remaining := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--root" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--root requires a value")
			}
			rootPath = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--root=") {
			rootPath = strings.TrimPrefix(arg, "--root=")
			continue
		}
		remaining = append(remaining, arg)
	}
	return rootPath, remaining, nil
}

func resolveWorkspace(rootPath string) (*workspace.Workspace, error) {
	if strings.TrimSpace(rootPath) == "" {
		return nil, fmt.Errorf("--root is required (or set TRADEFLOW_ROOT)")
	}
	root, err := workspace.ResolveRoot(rootPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	ws, err := workspace.Resolve(root)
	if err != nil {
		return nil, err
	}
	if err := ws.EnsureDirs(); err != nil {
		return nil, err
	}
	return ws, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("TRADEFLOW_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runRun(args []string, rootPath string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "Path to config YAML (default: <root>/tradeflow.yml)")
	continueOnFailure := fs.Bool("continue-on-failure", false, "Continue to the next phase after a failure or timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ws, err := resolveWorkspace(rootPath)
	if err != nil {
		return err
	}

	logger := newLogger()

	path := *configPath
	if path == "" {
		path = os.Getenv("TRADEFLOW_CONFIG")
	}
	if path == "" {
		path = ws.ConfigPath
	} else {
		path, err = ws.ResolvePath(path)
		if err != nil {
			return fmt.Errorf("resolve --config: %w", err)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if *continueOnFailure {
		cfg.ContinueOnFailure = true
	}

	phaseList, err := phases.BuildAll(cfg.Phases)
	if err != nil {
		return err
	}

	validator, err := schema.NewValidator(logger)
	if err != nil {
		return err
	}

	sessionID := session.NewID(time.Now())
	store, err := session.NewStore(ws.SessionDir(sessionID), validator, logger)
	if err != nil {
		return err
	}

	reg, err := registry.Open(ws.RegistryDBPath)
	if err != nil {
		return err
	}
	defer reg.Close()

	monitor := slo.NewMonitor(slo.Config{
		ErrorRateThreshold:    cfg.SLO.ErrorRateThreshold,
		RenderTimeThresholdMs: cfg.SLO.RenderTimeThresholdMs,
		BreachBudgetPct:       cfg.SLO.BreachBudgetPct,
	}, store, logger)

	sched := scheduler.New(store, retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay.Std(),
		MaxDelay:    cfg.Retry.MaxDelay.Std(),
	}, logger)

	r, err := runner.New(runner.Options{
		SessionID:         sessionID,
		Phases:            phaseList,
		Pause:             cfg.Pause.Std(),
		MaxPause:          cfg.MaxPause.Std(),
		ContinueOnFailure: cfg.ContinueOnFailure,
		InitialCapital:    cfg.InitialCapital,
	}, store, sched, monitor, reg, logger)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Starting session: %s\n", sessionID)
	report, err := r.Run(context.Background())
	if err != nil {
		return err
	}

	for _, result := range report.Results {
		fmt.Fprintf(os.Stdout, "  %-12s %-10s %s\n", result.Name, result.Status, result.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(os.Stdout, "Phases completed: %d/%d\n", report.Completed, len(report.Results))
	fmt.Fprintf(os.Stdout, "Session dir: %s\n", store.Dir)

	if !report.AllCompleted {
		os.Exit(1)
	}
	return nil
}

func runSessions(args []string, rootPath string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		return fmt.Errorf("%s sessions: missing subcommand (list, show, compare)", appName)
	}

	switch args[0] {
	case "list":
		return runSessionsList(args[1:], rootPath)
	case "show":
		return runSessionsShow(args[1:], rootPath)
	case "compare":
		return runSessionsCompare(args[1:], rootPath)
	default:
		return fmt.Errorf("%s sessions: unknown subcommand %q", appName, args[0])
	}
}

func runSessionsList(args []string, rootPath string) error {
	fs := flag.NewFlagSet("sessions list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	limit := fs.Int("limit", 10, "Number of sessions to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ws, err := resolveWorkspace(rootPath)
	if err != nil {
		return err
	}
	reg, err := registry.Open(ws.RegistryDBPath)
	if err != nil {
		return err
	}
	defer reg.Close()

	records, err := reg.ListRecent(*limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "No sessions recorded.")
		return nil
	}
	for _, rec := range records {
		finished := "-"
		if rec.FinishedAt != nil {
			finished = rec.FinishedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(os.Stdout, "%s  %-9s  phases=%d/%d  started=%s  finished=%s\n",
			rec.ID, rec.Status, rec.PhasesCompleted, rec.PhasesTotal,
			rec.StartedAt.Format(time.RFC3339), finished)
	}
	return nil
}

func runSessionsShow(args []string, rootPath string) error {
	if len(args) == 0 {
		return fmt.Errorf("session id is required")
	}
	sessionID := args[0]

	ws, err := resolveWorkspace(rootPath)
	if err != nil {
		return err
	}
	reg, err := registry.Open(ws.RegistryDBPath)
	if err != nil {
		return err
	}
	defer reg.Close()

	rec, err := reg.GetSession(sessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("unknown session: %s", sessionID)
	}

	logger := newLogger()
	validator, err := schema.NewValidator(logger)
	if err != nil {
		return err
	}
	store, err := session.NewStore(ws.SessionDir(sessionID), validator, logger)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Session: %s (%s)\n", rec.ID, rec.Status)
	fmt.Fprintf(os.Stdout, "Phases:  %d/%d completed\n", rec.PhasesCompleted, rec.PhasesTotal)

	summary, ok, err := store.ReadSummary()
	if err != nil {
		return err
	}
	if ok {
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal summary: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Summary:\n%s\n", data)
	}

	events, err := store.ReadEvents(session.Filter{})
	if err != nil {
		return err
	}
	byType := make(map[string]int)
	for _, ev := range events {
		byType[ev.Type]++
	}
	fmt.Fprintf(os.Stdout, "Events: %d\n", len(events))
	for evType, count := range byType {
		fmt.Fprintf(os.Stdout, "  %-14s %d\n", evType, count)
	}

	evals, err := reg.ListEvaluations(sessionID)
	if err != nil {
		return err
	}
	for _, ev := range evals {
		fmt.Fprintf(os.Stdout, "SLO %-12s %-10s current=%.2f%% budget=%.2f%% samples=%d\n",
			ev.Objective, ev.State, ev.CurrentPct, ev.BudgetRemainingPct, ev.SampleCount)
	}
	return nil
}

func runSessionsCompare(args []string, rootPath string) error {
	if len(args) < 2 {
		return fmt.Errorf("two session ids are required")
	}
	ws, err := resolveWorkspace(rootPath)
	if err != nil {
		return err
	}

	left, err := readSummaryPretty(ws, args[0])
	if err != nil {
		return err
	}
	right, err := readSummaryPretty(ws, args[1])
	if err != nil {
		return err
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(left),
		B:        difflib.SplitLines(right),
		FromFile: args[0],
		ToFile:   args[1],
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return fmt.Errorf("compute diff: %w", err)
	}
	if text == "" {
		fmt.Fprintln(os.Stdout, "Summaries are identical.")
		return nil
	}
	fmt.Fprint(os.Stdout, text)
	return nil
}

func readSummaryPretty(ws *workspace.Workspace, sessionID string) (string, error) {
	logger := newLogger()
	store, err := session.NewStore(ws.SessionDir(sessionID), nil, logger)
	if err != nil {
		return "", err
	}
	summary, ok, err := store.ReadSummary()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("session %s has no summary", sessionID)
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}
	return string(data) + "\n", nil
}

func runSLO(args []string, rootPath string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		return fmt.Errorf("%s slo: missing subcommand (check)", appName)
	}
	switch args[0] {
	case "check":
		return runSLOCheck(args[1:], rootPath)
	default:
		return fmt.Errorf("%s slo: unknown subcommand %q", appName, args[0])
	}
}

// runSLOCheck replays the most recent session's phase outcomes into a fresh
// monitor and prints each objective's verdict. Exit 0 means all compliant.
func runSLOCheck(args []string, rootPath string) error {
	fs := flag.NewFlagSet("slo check", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	sessionID := fs.String("session", "", "Session to evaluate (default: most recent)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ws, err := resolveWorkspace(rootPath)
	if err != nil {
		return err
	}
	reg, err := registry.Open(ws.RegistryDBPath)
	if err != nil {
		return err
	}
	defer reg.Close()

	id := *sessionID
	if id == "" {
		records, err := reg.ListRecent(1)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return fmt.Errorf("no sessions recorded")
		}
		id = records[0].ID
	}

	logger := newLogger()
	store, err := session.NewStore(ws.SessionDir(id), nil, logger)
	if err != nil {
		return err
	}
	events, err := store.ReadEvents(session.Filter{Type: "phase_result"})
	if err != nil {
		return err
	}

	monitor := slo.NewMonitor(slo.DefaultConfig(), nil, logger)
	for _, ev := range events {
		ts, err := time.Parse(time.RFC3339, ev.Timestamp)
		if err != nil {
			ts = time.Now()
		}
		status, _ := ev.Details["status"].(string)
		monitor.AddErrorMeasurement(status == string(scheduler.StatusCompleted), ts)
		if ms, ok := floatDetail(ev.Details, "duration_ms"); ok {
			monitor.AddRenderTimeMeasurement(ms, ts)
		}
	}

	allCompliant := true
	for _, status := range monitor.AllStatus() {
		fmt.Fprintf(os.Stdout, "%-12s %-10s current=%.2f%% target=%.2f%% budget=%.2f%% samples=%d\n",
			status.Name, status.State, status.CurrentPct, status.TargetPct,
			status.ErrorBudgetRemainingPct, status.SampleCount)
		if status.State != slo.StateCompliant {
			allCompliant = false
		}
	}
	if !allCompliant {
		os.Exit(1)
	}
	return nil
}

func floatDetail(details map[string]any, key string) (float64, bool) {
	switch v := details[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
