// Command qtrace is the controller half of a cross-process method tracer.
// It attaches to a pre-instrumented target process over a pair of SysV
// message queues, installs the requested tracers and directives, and
// renders the resulting event stream as a nested call tree.
//
// Usage:
//
//	qtrace -pid 4242 -tracer "String#gsub" -show-duration
//	qtrace -config session.yaml
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/qtrace/qtrace/internal/archive"
	"github.com/qtrace/qtrace/internal/audit"
	"github.com/qtrace/qtrace/internal/config"
	"github.com/qtrace/qtrace/internal/control/rest"
	"github.com/qtrace/qtrace/internal/control/ws"
	"github.com/qtrace/qtrace/internal/session"
)

// exit codes per the CLI's documented contract: 0 clean detach, 1 user
// abort, 255 unrecoverable attach/setup error.
const (
	exitClean         = 0
	exitUserAbort     = 1
	exitAttachFailure = 255
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "qtrace: %v\n", err)
		os.Exit(exitAttachFailure)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("qtrace: received interrupt, detaching")
		cancel()
	}()

	pids := cfg.TargetPIDs()
	var wg sync.WaitGroup
	exitCodes := make([]int, len(pids))

	for i, pid := range pids {
		wg.Add(1)
		go func(i, pid int) {
			defer wg.Done()
			exitCodes[i] = runSession(ctx, cfg, pid, logger)
		}(i, pid)
	}
	wg.Wait()

	os.Exit(worstExitCode(exitCodes))
}

// worstExitCode picks the most severe exit code across a multi-pid fan-out:
// any attach failure dominates, then any user abort, else clean.
func worstExitCode(codes []int) int {
	result := exitClean
	for _, c := range codes {
		if c == exitAttachFailure {
			return exitAttachFailure
		}
		if c == exitUserAbort {
			result = exitUserAbort
		}
	}
	return result
}

// stringList implements flag.Value for a flag that may be repeated.
type stringList []string

func (l *stringList) String() string { return fmt.Sprint([]string(*l)) }
func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// loadConfig builds a Config from either -config or the direct flag
// surface: the full directive set as flags for single-shot use, or a YAML
// file for anything richer (multi-pid fan-out, archival, the control
// surface).
func loadConfig(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("qtrace", flag.ContinueOnError)

	configPath := fs.String("config", "", "path to a YAML session descriptor; overrides every other flag")
	pid := fs.Int("pid", 0, "target process id")
	output := fs.String("output", "-", "output path for rendered trace lines, or - for stdout")
	appendOut := fs.Bool("append", false, "append to -output instead of truncating it")
	showTime := fs.Bool("show-time", false, "prefix each line with a HH:MM:SS.µµµµµµ timestamp")
	showDuration := fs.Bool("show-duration", true, "append call/return durations")
	prefixSpaces := fs.Int("prefix-spaces", 2, "indent width per nesting level")
	firehose := fs.Bool("firehose", false, "report every call and return")
	gc := fs.Bool("gc", false, "report garbage-collection brackets")
	devmode := fs.Bool("devmode", false, "tolerate class/method redefinition in the target")
	watchMs := fs.Int("watch", 0, "report calls slower than this many milliseconds (wall time)")
	watchCPUMs := fs.Int("watchcpu", 0, "report calls slower than this many milliseconds (CPU time)")
	evalExpr := fs.String("eval", "", "evaluate an expression in the target once on attach")
	fork := fs.Bool("fork", false, "ask the target to fork a paused sibling on attach")
	archivePath := fs.String("archive", "", "path to a SQLite archive of rendered trace lines")
	ledgerPath := fs.String("ledger", "", "path to a tamper-evident session ledger")
	controlAddr := fs.String("control-addr", "", "address for the local control/status HTTP and WebSocket surface")
	controlPubKey := fs.String("control-pubkey", "", "PEM RSA public key for JWT validation on the control surface")
	var tracers stringList
	fs.Var(&tracers, "tracer", "a method selector to trace; may be repeated")
	var slowTracers stringList
	fs.Var(&slowTracers, "slow-tracer", "a method selector restricted to slow-watch reporting; may be repeated")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		return config.LoadConfig(*configPath)
	}

	if *pid == 0 {
		return nil, fmt.Errorf("-pid or -config is required")
	}

	cfg := &config.Config{
		PID:               *pid,
		AttachTimeoutS:    5,
		EvalTimeoutS:      15,
		ForkTimeoutS:      30,
		Eval:              *evalExpr,
		Fork:              *fork,
		ArchivePath:       *archivePath,
		LedgerPath:        *ledgerPath,
		ControlAddr:       *controlAddr,
		ControlPubKeyPath: *controlPubKey,
		Output:            config.OutputConfig{Path: *output, Append: *appendOut},
		Display: config.DisplayConfig{
			ShowTime:     *showTime,
			ShowDuration: *showDuration,
			PrefixSpaces: *prefixSpaces,
		},
	}
	if *firehose {
		cfg.Directives = append(cfg.Directives, config.Directive{Kind: "firehose"})
	}
	if *gc {
		cfg.Directives = append(cfg.Directives, config.Directive{Kind: "gc"})
	}
	if *devmode {
		cfg.Directives = append(cfg.Directives, config.Directive{Kind: "devmode"})
	}
	if *watchMs > 0 {
		cfg.Directives = append(cfg.Directives, config.Directive{Kind: "watch", ThresholdMS: *watchMs})
	}
	if *watchCPUMs > 0 {
		cfg.Directives = append(cfg.Directives, config.Directive{Kind: "watchcpu", ThresholdMS: *watchCPUMs})
	}
	for _, sel := range tracers {
		cfg.Tracers = append(cfg.Tracers, config.TracerConfig{Selector: sel})
	}
	for _, sel := range slowTracers {
		cfg.Tracers = append(cfg.Tracers, config.TracerConfig{Selector: sel, Slow: true})
	}

	return cfg, nil
}

// runSession drives one target's full attach -> directives -> recv-loop ->
// detach lifecycle and returns the process exit code it implies.
func runSession(ctx context.Context, cfg *config.Config, pid int, logger *slog.Logger) int {
	log := logger.With(slog.Int("pid", pid))

	sinkFile, closeSink, err := openSink(cfg.Output)
	if err != nil {
		log.Error("qtrace: failed to open output sink", slog.Any("error", err))
		return exitAttachFailure
	}
	defer closeSink()
	var out io.Writer = sinkFile

	opts := []session.Option{
		session.WithDisplay(cfg.Display.ShowTime, cfg.Display.ShowDuration, cfg.Display.PrefixSpaces),
	}

	var ledger *audit.Ledger
	if cfg.LedgerPath != "" {
		ledger, err = audit.Open(cfg.LedgerPath)
		if err != nil {
			log.Error("qtrace: failed to open ledger", slog.Any("error", err))
			return exitAttachFailure
		}
		defer ledger.Close()
		opts = append(opts, session.WithLedger(ledger))
	}

	var store *archive.Store
	if cfg.ArchivePath != "" {
		store, err = archive.Open(cfg.ArchivePath)
		if err != nil {
			log.Error("qtrace: failed to open archive", slog.Any("error", err))
			return exitAttachFailure
		}
		defer store.Close()
		opts = append(opts, session.WithRecorder(archive.NewBufferedRecorder(store, pid, log)))
	}

	var broadcaster *ws.Broadcaster
	if cfg.ControlAddr != "" {
		broadcaster = ws.NewBroadcaster(log, 64)
		defer broadcaster.Close()
		out = io.MultiWriter(out, ws.NewLineWriter(broadcaster))
	}

	ctrl, err := session.Attach(ctx, pid, out, opts...)
	if err != nil {
		log.Error("qtrace: attach failed", slog.Any("error", err))
		return exitAttachFailure
	}

	if cfg.ControlAddr != "" {
		srv, err := startControlServer(cfg, ctrl, broadcaster, log)
		if err != nil {
			log.Error("qtrace: failed to start control surface", slog.Any("error", err))
		} else {
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}
	}

	if err := applyDirectives(ctrl, cfg); err != nil {
		log.Error("qtrace: failed to apply directives", slog.Any("error", err))
		_ = ctrl.Detach(context.Background())
		return exitAttachFailure
	}

	runErr := ctrl.Run(ctx)

	detachCtx, detachCancel := context.WithTimeout(context.Background(), cfg.AttachTimeout())
	defer detachCancel()
	if err := ctrl.Detach(detachCtx); err != nil {
		log.Warn("qtrace: detach reported an error", slog.Any("error", err))
	}

	if runErr != nil {
		log.Error("qtrace: session ended with an error", slog.Any("error", runErr))
		return exitAttachFailure
	}
	if ctx.Err() != nil {
		return exitUserAbort
	}
	return exitClean
}

// applyDirectives issues every configured directive and tracer in order:
// watch/watchcpu thresholds and mode toggles first, then tracer selectors,
// then any one-shot eval/fork request.
func applyDirectives(ctrl *session.Controller, cfg *config.Config) error {
	for _, d := range cfg.Directives {
		var err error
		switch d.Kind {
		case "watch":
			err = ctrl.Watch(d.ThresholdMS)
		case "watchcpu":
			err = ctrl.WatchCPU(d.ThresholdMS)
		case "firehose":
			err = ctrl.Firehose(true)
		case "gc":
			err = ctrl.GC()
		case "devmode":
			err = ctrl.DevMode(true)
		}
		if err != nil {
			return fmt.Errorf("directive %q: %w", d.Kind, err)
		}
	}

	for _, t := range cfg.Tracers {
		if err := ctrl.Add(t.Selector, t.Slow); err != nil {
			return fmt.Errorf("tracer %q: %w", t.Selector, err)
		}
	}

	if cfg.Eval != "" {
		if _, err := ctrl.Eval(context.Background(), cfg.Eval, cfg.EvalTimeout()); err != nil {
			return fmt.Errorf("eval: %w", err)
		}
	}
	if cfg.Fork {
		if _, err := ctrl.Fork(context.Background(), cfg.ForkTimeout()); err != nil {
			return fmt.Errorf("fork: %w", err)
		}
	}
	return nil
}

// openSink resolves an OutputConfig into a writer and its cleanup func.
func openSink(cfg config.OutputConfig) (out *os.File, closeFn func(), err error) {
	if cfg.Path == "-" || cfg.Path == "" {
		return os.Stdout, func() {}, nil
	}
	flags := os.O_WRONLY | os.O_CREATE
	if cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(cfg.Path, flags, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open output %q: %w", cfg.Path, err)
	}
	return f, func() { _ = f.Close() }, nil
}

// loadPubKey reads and parses the control surface's JWT validation key, if
// configured. A nil return (with nil error) disables authentication.
func loadPubKey(cfg *config.Config) (*rsa.PublicKey, error) {
	if cfg.ControlPubKeyPath == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(cfg.ControlPubKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read control pubkey: %w", err)
	}
	return rest.ParseRSAPublicKey(pem)
}

// startControlServer brings up the local control/status HTTP and WebSocket
// surface.
func startControlServer(cfg *config.Config, ctrl *session.Controller, bc *ws.Broadcaster, logger *slog.Logger) (*http.Server, error) {
	pubKey, err := loadPubKey(cfg)
	if err != nil {
		return nil, err
	}

	var wsHandler http.Handler
	if bc != nil {
		wsHandler = ws.NewHandler(bc, logger, 10*time.Second)
	}

	handler := rest.NewRouter(ctrl, pubKey, wsHandler)
	srv := &http.Server{
		Addr:         cfg.ControlAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		logger.Info("qtrace: control surface listening", slog.String("addr", cfg.ControlAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("qtrace: control surface error", slog.Any("error", err))
		}
	}()
	return srv, nil
}
