package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/projectdiscovery/goflags"

	"github.com/hitushen/modelprobe/internal/cache"
	"github.com/hitushen/modelprobe/internal/classify"
	"github.com/hitushen/modelprobe/internal/logger"
	"github.com/hitushen/modelprobe/internal/models"
	"github.com/hitushen/modelprobe/internal/probe"
	"github.com/hitushen/modelprobe/internal/store"
	"github.com/hitushen/modelprobe/internal/targets"
	"github.com/hitushen/modelprobe/internal/verifier"
)

type options struct {
	dbPath         string
	classifierFile string
	redisAddr      string

	batchSize  int
	threads    int
	limit      int
	batchPause time.Duration
	retryDelay time.Duration

	noRemove   bool
	verifyOnly bool

	endpoint   string
	importFile string
	sweep      bool

	verbose bool
	pretty  bool
}

func parseFlags() (*options, error) {
	opts := &options{}
	flagSet := goflags.NewFlagSet()
	flagSet.SetDescription("modelprobe prune verifies candidate inference endpoints and removes dead or fake ones.")

	flagSet.CreateGroup("input", "Input",
		flagSet.StringVar(&opts.dbPath, "db", "data/modelprobe.db", "sqlite database path"),
		flagSet.StringVarP(&opts.importFile, "import", "i", "", "file of host:port lines to add as candidates"),
		flagSet.StringVarP(&opts.endpoint, "endpoint", "e", "", "check a single host:port and print the outcome"),
		flagSet.StringVarP(&opts.classifierFile, "classifier", "c", "", "yaml file with honeypot classifier tunables"),
	)
	flagSet.CreateGroup("run", "Run",
		flagSet.IntVarP(&opts.batchSize, "batch-size", "bs", verifier.DefaultBatchSize, "endpoints per batch"),
		flagSet.IntVarP(&opts.threads, "threads", "t", verifier.DefaultWorkers, "concurrent probes per batch"),
		flagSet.IntVar(&opts.limit, "limit", 0, "maximum endpoints to check (0 = all)"),
		flagSet.DurationVar(&opts.batchPause, "batch-pause", verifier.DefaultBatchPause, "pause between batches"),
		flagSet.DurationVar(&opts.retryDelay, "retry-delay", probe.DefaultRetryDelay, "delay between transport retries"),
		flagSet.BoolVar(&opts.sweep, "sweep", false, "run a port liveness sweep instead of a verification pass"),
		flagSet.StringVar(&opts.redisAddr, "redis", "", "redis address for the run lock and recheck cache"),
	)
	flagSet.CreateGroup("mode", "Mode",
		flagSet.BoolVar(&opts.noRemove, "no-remove", false, "report only, write nothing"),
		flagSet.BoolVar(&opts.verifyOnly, "verify-only", false, "promote endpoints but never demote"),
	)
	flagSet.CreateGroup("output", "Output",
		flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging"),
		flagSet.BoolVar(&opts.pretty, "pretty", true, "human readable logs"),
	)

	if err := flagSet.Parse(); err != nil {
		return nil, err
	}
	if opts.batchSize <= 0 || opts.threads <= 0 {
		return nil, errors.New("batch-size and threads must be positive")
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "flags: %v\n", err)
		os.Exit(2)
	}
	level := "info"
	if opts.verbose {
		level = "debug"
	}
	log := logger.New(level, opts.pretty)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, log); err != nil {
		log.Error("prune failed", logger.Error(err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options, log logger.Logger) error {
	st, err := store.New(opts.dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if opts.importFile != "" {
		if err := importCandidates(ctx, st, opts.importFile, log); err != nil {
			return err
		}
	}

	tunables, err := classify.LoadTunables(opts.classifierFile)
	if err != nil {
		return err
	}
	probeCache, err := cache.Connect(ctx, cache.Options{Addr: opts.redisAddr}, log)
	if err != nil {
		log.Warn("probe cache disabled", logger.Error(err))
	}
	defer probeCache.Close()

	responder := probe.NewResponder(log)
	responder.RetryDelay = opts.retryDelay
	prober := probe.NewProber(responder, classify.NewDetector(tunables), probe.Options{
		SystemPromptMaxWords: tunables.SystemPromptMaxWords,
	}, log)

	pause := opts.batchPause
	if pause == 0 {
		pause = -1
	}
	manager := verifier.NewManager(st, prober, verifier.Options{
		BatchPause: pause,
		Scanner:    verifier.NewNaabuScanner(0),
		Cache:      probeCache,
		Logger:     log,
	})
	defer manager.Close()

	mode := models.ModeFromFlags(opts.noRemove, opts.verifyOnly)
	switch {
	case opts.endpoint != "":
		return checkOne(ctx, st, manager, prober, opts.endpoint, mode)
	case opts.sweep:
		summary, err := manager.SweepLiveness(ctx, mode)
		if err != nil {
			return err
		}
		return printJSON(summary)
	default:
		summary, err := manager.RunVerificationPass(ctx, verifier.RunOptions{
			BatchSize: opts.batchSize,
			Workers:   opts.threads,
			Mode:      mode,
			Limit:     opts.limit,
		})
		printSummary(summary, mode)
		return err
	}
}

func importCandidates(ctx context.Context, st *store.Store, path string, log logger.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()

	list, bad, err := targets.ReadList(f)
	if err != nil {
		return fmt.Errorf("read import file: %w", err)
	}
	for _, line := range bad {
		log.Warn("skipping malformed target", logger.String("line", line))
	}
	for _, addr := range list {
		if _, err := st.AddCandidate(ctx, addr.Host, addr.Port); err != nil {
			return fmt.Errorf("add candidate %s: %w", targets.Key(addr.Host, addr.Port), err)
		}
	}
	log.Info("candidates imported", logger.Int("added", len(list)), logger.Int("skipped", len(bad)))
	return nil
}

// checkOne 复检单个端点。normal 模式写回结果，其余模式只探测并打印。
func checkOne(ctx context.Context, st *store.Store, manager *verifier.Manager, prober *probe.Prober, raw string, mode models.Mode) error {
	host, port, err := targets.Parse(raw)
	if err != nil {
		return err
	}
	before, err := st.FindEndpoint(ctx, host, port)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	var res models.ProbeResult
	if mode == models.ModeNormal {
		res, err = manager.RecheckOne(ctx, host, port)
		if err != nil {
			return err
		}
	} else {
		ep := models.Endpoint{Host: host, Port: port}
		if before != nil {
			ep = *before
		}
		res = prober.Probe(ctx, ep)
	}

	after, err := st.FindEndpoint(ctx, host, port)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return printJSON(map[string]interface{}{
		"mode":   mode,
		"result": res,
		"before": before,
		"after":  after,
	})
}

func printSummary(s models.RunSummary, mode models.Mode) {
	fmt.Printf("mode:        %s\n", mode)
	fmt.Printf("total:       %d\n", s.Total)
	fmt.Printf("checked:     %d\n", s.Checked)
	fmt.Printf("verified:    %d\n", s.Verified)
	fmt.Printf("failed:      %d\n", s.Failed)
	fmt.Printf("honeypots:   %d\n", s.Honeypots)
	fmt.Printf("invalidated: %d\n", s.Invalidated)
	fmt.Printf("errors:      %d\n", s.Errors)
	fmt.Printf("duration:    %s\n", s.Duration.Round(time.Millisecond))
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
