package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/vmauto/internal/config"
	"github.com/cochaviz/vmauto/internal/logging"
	"github.com/cochaviz/vmauto/internal/metrics"
	"github.com/cochaviz/vmauto/internal/native/virt"
	"github.com/cochaviz/vmauto/internal/vm"
)

func main() {
	logger := logging.New(logging.FormatText, os.Stderr, slog.LevelInfo)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{logger: logger}
	root := newRootCommand(a)
	err := root.ExecuteContext(ctx)
	a.close()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			a.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		a.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// app holds what every subcommand shares once the root flags are parsed.
type app struct {
	configPath     string
	logLevel       string
	logFormat      string
	connectionURI  string
	metricsAddress string

	cfg     *config.Config
	logger  *slog.Logger
	surface *virt.Surface
	host    *vm.Host
	server  *http.Server

	outMu sync.Mutex
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "vmauto",
		Short:         "Drive libvirt virtual machines: power, snapshots, guest files and processes",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Configuration file (default $"+config.EnvPath+" or "+config.DefaultPath+")")
	flags.StringVar(&a.logLevel, "log-level", "", "Set log verbosity (debug, info, warning, error)")
	flags.StringVar(&a.logFormat, "log-format", "", "Log output format (text, json)")
	flags.StringVar(&a.connectionURI, "connect-uri", "", "Libvirt connection URI (default "+config.DefaultConnectionURI+")")
	flags.StringVar(&a.metricsAddress, "metrics-address", "", "Serve Prometheus metrics on this address while the command runs")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.setup(cmd)
	}

	root.AddCommand(
		newPowerCommand(a),
		newSnapshotCommand(a),
		newGuestCommand(a),
		newVarCommand(a),
		newScreenshotCommand(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(config.Path(a.configPath))
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.logFormat != "" {
		cfg.LogFormat = a.logFormat
	}
	if a.connectionURI != "" {
		cfg.ConnectionURI = a.connectionURI
	}
	if a.metricsAddress != "" {
		cfg.Metrics.Address = a.metricsAddress
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := cfg.Logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	slog.SetDefault(logger)

	recorder, err := metrics.NewRecorder(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if cfg.Metrics.Address != "" {
		a.server = metrics.NewServer(cfg.Metrics.Address, prometheus.DefaultGatherer)
		go func() {
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "address", cfg.Metrics.Address, "error", err)
			}
		}()
		logger.Info("serving metrics", "address", cfg.Metrics.Address)
	}

	surface, err := virt.Open(cfg.ConnectionURI, virt.Options{Logger: logger})
	if err != nil {
		return err
	}
	a.surface = surface
	a.host = vm.NewHost(surface, cfg.VMOptions(logger, recorder))
	logger.Debug("connected", "uri", cfg.ConnectionURI)
	return nil
}

func (a *app) close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("failed to stop metrics server", "error", err)
		}
	}
	if a.surface != nil {
		if err := a.surface.Close(); err != nil {
			a.logger.Warn("failed to close connection", "error", err)
		}
	}
}

// eachVM opens every named VM and runs fn against them concurrently. The
// first failure cancels the context handed to the others.
func (a *app) eachVM(ctx context.Context, names []string, fn func(context.Context, *vm.VM) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			v, err := a.host.OpenAsync(name, 0).Wait(ctx)
			if err != nil {
				return err
			}
			defer v.Close()
			if err := fn(ctx, v); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// println writes one line to w. Output of concurrently running VMs is
// interleaved by line, never within one.
func (a *app) println(w io.Writer, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintln(w, args...)
}

func (a *app) printf(w io.Writer, format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(w, format, args...)
}
