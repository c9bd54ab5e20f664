package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/odvcencio/shellgate/pkg/bus"
	"github.com/odvcencio/shellgate/pkg/config"
	sgerrors "github.com/odvcencio/shellgate/pkg/errors"
	"github.com/odvcencio/shellgate/pkg/gate"
	"github.com/odvcencio/shellgate/pkg/logging"
	"github.com/odvcencio/shellgate/pkg/remote"
	"github.com/odvcencio/shellgate/pkg/risk"
	"github.com/odvcencio/shellgate/pkg/shell"
	"github.com/odvcencio/shellgate/pkg/state"
	"github.com/odvcencio/shellgate/pkg/telemetry"
	"github.com/odvcencio/shellgate/pkg/workflow"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	sessionID  string
	traceMode  bool
)

func main() {
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.StringVar(&sessionID, "session", "", "session id to attach to")
	flag.BoolVar(&traceMode, "trace", false, "emit traces to stdout")
	flag.Parse()

	args := flag.Args()
	cmd := "connect"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	if err := run(cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd string, args []string) error {
	switch cmd {
	case "version":
		fmt.Printf("shellgate %s (%s, built %s)\n", version, commit, buildDate)
		return nil
	case "classify":
		return runClassify(args)
	case "connect":
		return runSession(args, "")
	case "run":
		if len(args) != 1 {
			return errors.New("usage: shellgate run <workflow.yaml>")
		}
		return runSession(nil, args[0])
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// runClassify prints the risk assessment for a command without running
// it. Useful for tuning policy.
func runClassify(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: shellgate classify <command...>")
	}
	assessment := risk.Classify(strings.Join(args, " "))
	fmt.Printf("tier: %s\n", assessment.Tier)
	for _, reason := range assessment.Reasons {
		fmt.Printf("  - %s\n", reason)
	}
	return nil
}

// engine bundles everything a live session needs.
type engine struct {
	cfg        *config.Config
	logger     *logging.Logger
	events     bus.Bus
	manager    *shell.Manager
	gateway    *gate.Gateway
	controller *workflow.Controller
	store      *state.Store
}

func buildEngine(cfg *config.Config) (*engine, error) {
	logID := sessionID
	if logID == "" {
		logID = "local"
	}
	logger, err := logging.NewLogger(cfg.Logging.Dir, logID)
	if err != nil {
		return nil, err
	}
	logger.SetMinLevel(logging.ParseLevel(cfg.Logging.Level))

	var events bus.Bus
	if strings.EqualFold(cfg.Bus.Backend, "nats") {
		events, err = bus.NewNATSBus(bus.NATSConfig{URL: cfg.Bus.NATSURL})
		if err != nil {
			return nil, err
		}
	} else {
		events = bus.NewMemoryBus()
	}

	var dial shell.DialFunc
	if cfg.Server.URL != "" {
		dial = shell.NewWebSocketDialer(shell.WebSocketConfig{
			BaseURL: cfg.Server.URL,
			Token:   cfg.Server.Token,
		}, logger)
	} else {
		dial = shell.NewPTYDialer(shell.PTYConfig{}, logger)
	}

	manager := shell.NewManager(shell.Config{
		SessionID:      sessionID,
		BufferCap:      cfg.Session.BufferCap,
		HistoryCap:     cfg.Session.HistoryCap,
		ConnectTimeout: cfg.Session.ConnectTimeout,
	}, dial, events, logger)

	gateOpts := []gate.Option{gate.WithLogger(logger)}
	if cfg.Server.URL != "" {
		client, err := remote.New(cfg.Server.URL,
			remote.WithToken(cfg.Server.Token),
			remote.WithPollInterval(cfg.Remote.PollInterval),
			remote.WithMaxAttempts(cfg.Remote.MaxRetries),
			remote.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		gateOpts = append(gateOpts, gate.WithRemote(client))
	}
	gateway := gate.New(manager.SessionID(), manager, manager.Buffer(), gateOpts...)

	store, err := state.NewStore(cfg.State.Path, logger)
	if err != nil {
		return nil, err
	}

	return &engine{
		cfg:        cfg,
		logger:     logger,
		events:     events,
		manager:    manager,
		gateway:    gateway,
		controller: workflow.New(gateway, logger),
		store:      store,
	}, nil
}

func runSession(_ []string, workflowPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if traceMode {
		tp, err := telemetry.NewTracerProvider("shellgate")
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.logger.Close()
	defer eng.events.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := eng.manager.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		warnIfProcessesRunning(eng.manager, os.Stderr)
		_ = eng.manager.Close()
	}()

	_ = eng.store.RememberSession(cfg.Server.URL, eng.manager.SessionID())

	group, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		group.Go(func() error { return serveMetrics(ctx, cfg.Metrics.Bind) })
	}
	group.Go(func() error { return printSessionEvents(ctx, eng) })

	if workflowPath != "" {
		group.Go(func() error {
			defer stop()
			return runWorkflow(ctx, eng, workflowPath)
		})
	} else {
		group.Go(func() error {
			defer stop()
			return repl(ctx, eng)
		})
	}

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveMetrics exposes the prometheus registry until ctx is done.
func serveMetrics(ctx context.Context, bind string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: bind, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// printSessionEvents mirrors the session's output stream to stdout.
func printSessionEvents(ctx context.Context, eng *engine) error {
	sub, err := eng.events.Subscribe(ctx, bus.SessionSubject(eng.manager.SessionID(), bus.EventOutput), func(msg *bus.Message) {
		var line struct {
			Content string `json:"content"`
			Kind    string `json:"kind"`
		}
		if err := json.Unmarshal(msg.Data, &line); err != nil {
			return
		}
		switch line.Kind {
		case "command":
			fmt.Printf("$ %s\n", line.Content)
		case "system":
			fmt.Printf("[%s]\n", line.Content)
		default:
			fmt.Println(line.Content)
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	<-ctx.Done()
	return ctx.Err()
}

// repl reads commands from stdin and pushes them through the gateway.
func repl(ctx context.Context, eng *engine) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Printf("session %s connected. Ctrl-D exits.\n", eng.manager.SessionID())

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if strings.HasPrefix(line, ":") {
			if err := controlCommand(eng, line); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
			}
			continue
		}

		result, err := eng.gateway.Submit(ctx, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			continue
		}
		if result.Pending == nil {
			continue
		}

		fmt.Printf("blocked (%s):\n", result.Pending.Tier)
		for _, reason := range result.Pending.Reasons {
			fmt.Printf("  - %s\n", reason)
		}
		if confirmPrompt(scanner, "run anyway?") {
			if _, err := eng.gateway.Confirm(ctx, gate.DecisionOpts{}); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
			}
		} else {
			if err := eng.gateway.Cancel(ctx, gate.DecisionOpts{}); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
			}
		}
	}
	return scanner.Err()
}

// runWorkflow loads a definition file and drives it to completion,
// prompting on every suspension.
func runWorkflow(ctx context.Context, eng *engine, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read workflow: %w", err)
	}
	var def workflow.Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("parse workflow: %w", err)
	}
	if def.Name == "" {
		def.Name = path
	}
	_ = eng.store.RememberWorkflow(def)

	if err := eng.controller.Start(ctx, def); err != nil {
		return err
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		switch eng.controller.State() {
		case workflow.StateCompleted:
			printResults(eng.controller.Results())
			return nil
		case workflow.StateCancelled:
			printResults(eng.controller.Results())
			return errors.New("workflow cancelled")
		case workflow.StateAwaitingStepConfirmation:
			idx, step, ok := eng.controller.CurrentStep()
			if !ok {
				continue
			}
			fmt.Printf("step %d: %s\n", idx+1, step.Command)
			if confirmPrompt(scanner, "execute?") {
				if err := eng.controller.ConfirmStep(); err != nil {
					return err
				}
			} else {
				if err := eng.controller.SkipStep(); err != nil {
					return err
				}
			}
		default:
			select {
			case <-ctx.Done():
				_ = eng.controller.TakeManualControl(context.Background())
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

// controlCommand handles the session-control verbs: process listing,
// interrupt, and the two-step emergency kill.
func controlCommand(eng *engine, line string) error {
	tracker := eng.manager.Tracker()
	switch line {
	case ":ps":
		procs := tracker.List()
		if len(procs) == 0 {
			fmt.Println("no tracked processes")
			return nil
		}
		for _, p := range procs {
			fmt.Printf("  %s  %s  (started %s)\n", p.ID, p.Command, p.StartedAt.Format("15:04:05"))
		}
		return nil
	case ":int":
		return tracker.Interrupt()
	case ":kill":
		if tracker.Armed() {
			summary, err := tracker.ConfirmKill()
			if err != nil && !sgerrors.IsCode(err, sgerrors.ErrCodeTerminationPartial) {
				return err
			}
			fmt.Printf("terminated %d, failed %d\n", summary.Attempted-summary.Failed, summary.Failed)
			return nil
		}
		if err := tracker.ArmKill(); err != nil {
			return err
		}
		fmt.Println("emergency kill armed - repeat :kill to confirm, :disarm to back out")
		return nil
	case ":disarm":
		tracker.DisarmKill()
		return nil
	default:
		return fmt.Errorf("unknown control command %q (:ps :int :kill :disarm)", line)
	}
}

// warnIfProcessesRunning notes still-tracked processes before the
// session is torn down; closing the session does not stop them.
func warnIfProcessesRunning(m *shell.Manager, w io.Writer) {
	if !m.HasRunningProcesses() {
		return
	}
	fmt.Fprintln(w, "warning: tracked processes are still running - they will keep running after the session closes:")
	for _, p := range m.Tracker().List() {
		fmt.Fprintf(w, "  %s  %s\n", p.ID, p.Command)
	}
}

func printResults(results []workflow.StepResult) {
	for _, r := range results {
		fmt.Printf("  %d. %-8s %s\n", r.Index+1, r.Outcome, r.Step.Command)
	}
}

func confirmPrompt(scanner *bufio.Scanner, question string) bool {
	fmt.Printf("%s [y/N] ", question)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}
