// Helmsman orchestrates subprocess workers through a supervised,
// checkpointed session.
//
// Usage:
//
//	helmsman run --config helmsman.yaml --plan plan.yaml --goal "..."
//	helmsman resume --config helmsman.yaml --plan plan.yaml --session <id> --approve --approval <id>
//	helmsman sessions --config helmsman.yaml
//	helmsman version
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tidewater-io/helmsman"
	"github.com/tidewater-io/helmsman/config"
	"github.com/tidewater-io/helmsman/event"
	"github.com/tidewater-io/helmsman/supervisor"
)

// Populated at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runSession(os.Args[2:])
	case "resume":
		resumeSession(os.Args[2:])
	case "sessions":
		listSessions(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSession(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "helmsman.yaml", "path to config file")
	planPath := fs.String("plan", "", "path to the step plan")
	goal := fs.String("goal", "", "session goal")
	fs.Parse(args)

	if *planPath == "" || *goal == "" {
		fmt.Fprintln(os.Stderr, "run requires --plan and --goal")
		os.Exit(1)
	}

	orc, logger, cfg := buildOrchestrator(*configPath, *planPath)
	defer orc.Close()
	defer logger.Sync()

	stopMetrics := maybeServeMetrics(cfg, orc, logger)
	defer stopMetrics()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	outcome, err := orc.Start(ctx, *goal)
	if err != nil {
		logger.Fatal("session aborted", zap.Error(err))
	}
	reportOutcome(outcome)
}

func resumeSession(args []string) {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	configPath := fs.String("config", "helmsman.yaml", "path to config file")
	planPath := fs.String("plan", "", "path to the step plan")
	sessionID := fs.String("session", "", "session id to resume")
	approvalID := fs.String("approval", "", "approval request id being answered")
	approve := fs.Bool("approve", false, "grant the pending approval")
	feedback := fs.String("feedback", "", "feedback text merged into the session")
	fs.Parse(args)

	if *planPath == "" || *sessionID == "" {
		fmt.Fprintln(os.Stderr, "resume requires --plan and --session")
		os.Exit(1)
	}

	orc, logger, cfg := buildOrchestrator(*configPath, *planPath)
	defer orc.Close()
	defer logger.Sync()

	stopMetrics := maybeServeMetrics(cfg, orc, logger)
	defer stopMetrics()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var update *supervisor.ResumeUpdate
	if *approvalID != "" || *feedback != "" {
		update = &supervisor.ResumeUpdate{
			ApprovalID: *approvalID,
			Approved:   *approve,
			Feedback:   *feedback,
		}
	}

	outcome, err := orc.Resume(ctx, *sessionID, update)
	if err != nil {
		logger.Fatal("resume failed", zap.Error(err))
	}
	reportOutcome(outcome)
}

func listSessions(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	configPath := fs.String("config", "helmsman.yaml", "path to config file")
	fs.Parse(args)

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	store, err := helmsman.OpenStore(cfg.Checkpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open checkpoint store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ids, err := store.List(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list sessions: %v\n", err)
		os.Exit(1)
	}
	for _, id := range ids {
		fmt.Println(id)
	}
}

func buildOrchestrator(configPath, planPath string) (*helmsman.Orchestrator, *zap.Logger, *config.Config) {
	cfg, err := config.NewLoader().WithConfigPath(configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	p, err := loadPlan(planPath)
	if err != nil {
		logger.Fatal("invalid plan", zap.Error(err))
	}

	orc, err := helmsman.New(cfg, &planProcedure{steps: p.Steps},
		helmsman.WithLogger(logger),
		helmsman.WithEmitter(event.NewLogEmitter(logger)),
	)
	if err != nil {
		logger.Fatal("failed to wire orchestrator", zap.Error(err))
	}

	logger.Info("helmsman starting",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.Int("workers", len(cfg.Workers)),
	)
	return orc, logger, cfg
}

// maybeServeMetrics starts the Prometheus listener when enabled. Returns a
// stop function; a disabled listener returns a no-op.
func maybeServeMetrics(cfg *config.Config, orc *helmsman.Orchestrator, logger *zap.Logger) func() {
	if !cfg.Metrics.Enabled {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(orc.Collector().Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	go func() {
		logger.Info("metrics listener started", zap.String("addr", cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics listener failed", zap.Error(err))
		}
	}()
	return func() { _ = srv.Close() }
}

func reportOutcome(out *supervisor.Outcome) {
	switch out.Node {
	case supervisor.NodeTerminal:
		fmt.Printf("session %s finished after %d iterations\n", out.SessionID, out.Iterations)
		if out.Result != nil {
			fmt.Printf("result: %v\n", out.Result)
		}
	case supervisor.NodeAwaitingApproval:
		fmt.Printf("session %s paused awaiting approval\n", out.SessionID)
		if out.PendingApproval != nil {
			fmt.Printf("  prompt:      %s\n", out.PendingApproval.Prompt)
			fmt.Printf("  approval id: %s\n", out.PendingApproval.ID)
			fmt.Printf("resume with: helmsman resume --session %s --approval %s --approve\n",
				out.SessionID, out.PendingApproval.ID)
		}
	default:
		fmt.Printf("session %s failed: %s\n", out.SessionID, out.Reason)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("helmsman %s\n", Version)
	fmt.Printf("  build time: %s\n", BuildTime)
	fmt.Printf("  git commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`helmsman - subprocess worker orchestrator

Commands:
  run       start a new session        (--config, --plan, --goal)
  resume    continue a paused session  (--config, --plan, --session, --approval, --approve, --feedback)
  sessions  list checkpointed sessions (--config)
  version   print version information
  help      print this help`)
}
