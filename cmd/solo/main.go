// solo is a minimal host application for the single-instance guard.
//
// The first launch for a segment name becomes the primary instance: it prints
// its own file arguments, then polls the segment and prints every path and
// raise-window request later launches hand to it, until interrupted.
//
// Every later launch is a secondary: it asks the primary to show up, hands off
// its file arguments and exits. A secondary exits cleanly even when the
// handoff fails; only a corrupt segment makes it exit with an error.
//
//	solo [flags] [file...]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gosuda.org/solo"
	"gosuda.org/solo/internal/config"
	"gosuda.org/solo/internal/logging"
	"gosuda.org/solo/internal/shm"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	// Flags override the environment; the merged result is validated below
	cfg, err := config.Parse()
	if err != nil {
		return err
	}

	var show, unlink bool

	flagSet := pflag.NewFlagSet("solo", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Name, "name", cfg.Name, "segment name shared by every instance")
	flagSet.StringVar(&cfg.Dir, "dir", cfg.Dir, "directory holding the segment (default: platform shared memory directory)")
	flagSet.IntVar(&cfg.RetryRounds, "retry-rounds", cfg.RetryRounds, "handoff rounds before dropping remaining files")
	flagSet.DurationVar(&cfg.RetryInterval, "retry-interval", cfg.RetryInterval, "wait between handoff rounds")
	flagSet.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "how often the primary polls for requests")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flagSet.BoolVar(&cfg.LogDev, "log-dev", cfg.LogDev, "human readable logs")
	flagSet.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address while primary")
	flagSet.BoolVar(&show, "show", true, "ask the running instance to raise its window")
	flagSet.BoolVar(&unlink, "unlink", false, "remove a segment left behind by a crashed instance, then exit; refused while any instance is attached")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Development = cfg.LogDev
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	if unlink {
		if err := shm.Remove(cfg.Dir, cfg.Name); err != nil && !errors.Is(err, shm.ErrNotExist) {
			return err
		}
		logger.Info("removed segment", zap.String("segment", cfg.Name))
		return nil
	}

	registry := prometheus.NewRegistry()
	guard := solo.New(cfg.Name,
		solo.WithDir(cfg.Dir),
		solo.WithLogger(logger),
		solo.WithRetry(cfg.RetryRounds, cfg.RetryInterval),
		solo.WithMetrics(solo.NewMetrics(registry)),
	)
	defer guard.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	primary, err := guard.TryRun()
	if err != nil {
		return err
	}

	files := flagSet.Args()
	if primary {
		return runPrimary(ctx, guard, cfg, registry, logger, files, stdout)
	}
	return runSecondary(ctx, guard, show, files, logger)
}

// runPrimary opens its own files, then serves requests until ctx is done
func runPrimary(ctx context.Context, guard *solo.Guard, cfg *config.Config, registry *prometheus.Registry, logger *zap.Logger, files []string, stdout io.Writer) error {
	for _, file := range files {
		fmt.Fprintf(stdout, "open %s\n", file)
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer guard.Exit()
		return poll(ctx, guard, cfg.PollInterval, stdout)
	})

	if cfg.MetricsAddr != "" {
		server := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}

		eg.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})

		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	return eg.Wait()
}

// poll drains raise requests and files every interval until ctx is done
func poll(ctx context.Context, guard *solo.Guard, interval time.Duration, stdout io.Writer) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		asked, err := guard.FetchAskedToShow()
		if err != nil {
			return err
		}
		if asked {
			fmt.Fprintln(stdout, "show")
		}

		files, err := guard.FetchFilesToOpen()
		if err != nil {
			return err
		}
		for _, file := range files {
			fmt.Fprintf(stdout, "open %s\n", file)
		}
	}
}

// runSecondary forwards the raise request and files to the primary
// Only a corrupt segment is reported as an error.
func runSecondary(ctx context.Context, guard *solo.Guard, show bool, files []string, logger *zap.Logger) error {
	if show {
		if err := guard.ShowInstance(); err != nil {
			if errors.Is(err, solo.ErrCorruptState) {
				return err
			}
			logger.Warn("could not ask the running instance to show up", zap.Error(err))
		}
	}

	h, err := guard.OpenExternalFiles(ctx, files)
	if err != nil {
		if errors.Is(err, solo.ErrCorruptState) {
			return err
		}
		logger.Warn("could not hand off files", zap.Error(err))
	}

	logger.Info("handed off files",
		zap.Int("delivered", len(h.Delivered)),
		zap.Int("skipped", len(h.Skipped)),
		zap.Int("dropped", len(h.Dropped)),
		zap.Int("rounds", h.Rounds))
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: solo [flags] [file...]\n\nFlags:\n")
	flagSet.PrintDefaults()
}
