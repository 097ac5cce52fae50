package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tv_harvester/internal/browser"
	"github.com/dgnsrekt/tv_harvester/internal/cdp"
	"github.com/dgnsrekt/tv_harvester/internal/cdpcontrol"
	"github.com/dgnsrekt/tv_harvester/internal/config"
	"github.com/dgnsrekt/tv_harvester/internal/controller"
	"github.com/dgnsrekt/tv_harvester/internal/harvest"
	"github.com/dgnsrekt/tv_harvester/internal/history"
	"github.com/dgnsrekt/tv_harvester/internal/locators"
	"github.com/dgnsrekt/tv_harvester/internal/notify"
	"github.com/dgnsrekt/tv_harvester/internal/report"
)

func main() {
	v := config.New()
	root := newRootCmd(v)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfg *config.Config
	root := &cobra.Command{
		Use:           "tv_harvester",
		Short:         "Collect TradingView strategy-tester metrics for every symbol of a watchlist",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			loaded, err := config.Load(v)
			if err != nil {
				return err
			}
			if err := setupLogger(loaded.LogLevel, loaded.LogFile); err != nil {
				if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
					slog.Debug("logger setup stderr write failed", "error", writeErr)
				}
				return err
			}
			*cfg = *loaded
			return nil
		},
	}
	cfg = &config.Config{}

	pf := root.PersistentFlags()
	pf.String("cdp-address", "", "Chromium remote debugging address")
	pf.Int("cdp-port", 0, "Chromium remote debugging port")
	pf.String("backend", "", "driver backend: raw or chromedp")
	pf.String("history-db", "", "sqlite run history path (empty disables history)")
	pf.String("output-dir", "", "directory for exported files")
	pf.String("formats", "", "comma-separated export formats: xlsx, parquet, json")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.String("log-file", "", "rotating log file path")

	root.AddCommand(
		newRunCmd(cfg),
		newServeCmd(cfg),
		newHistoryCmd(cfg),
		newExportCmd(cfg),
	)
	return root
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntP("count", "n", 0, "number of watchlist symbols to visit")
	f.String("reference-date", "", "reference date YYYY-MM-DD (default today)")
	f.String("asset-mode", "", "stocks or etp")
	f.String("locator-file", "", "YAML file overriding the default locators")
	f.Bool("launch-browser", false, "start Chromium when the CDP port does not answer")
	f.String("journal-dir", "", "directory for per-run JSONL journals (empty disables)")
	f.String("ntfy-endpoint", "", "ntfy topic URL for run summaries")
}

// harvestDriver is a connected backend.
type harvestDriver interface {
	harvest.Driver
	Connect(ctx context.Context) error
	Close() error
}

func newDriver(cfg *config.Config) harvestDriver {
	switch cfg.Backend {
	case config.BackendChromedp:
		return cdp.NewClient(cfg.CDPURL(), cfg.TabURLFilter, cfg.EvalTimeout)
	default:
		return cdpcontrol.NewClient(cfg.CDPURL(), cfg.TabURLFilter, cfg.EvalTimeout)
	}
}

// session holds the process-wide resources of one command.
type session struct {
	cfg      *config.Config
	launcher *browser.Launcher
	driver   harvestDriver
	store    *history.Store
	svc      *controller.Service
}

// openStore opens the history database unless disabled.
func openStore(cfg *config.Config) (*history.Store, error) {
	if cfg.HistoryDB == "" {
		return nil, nil
	}
	return history.Open(cfg.HistoryDB)
}

func exporter(cfg *config.Config) (report.Exporter, error) {
	formats, err := report.ParseFormats(cfg.Formats)
	if err != nil {
		return report.Exporter{}, err
	}
	return report.Exporter{Dir: cfg.OutputDir, Formats: formats}, nil
}

// openSession starts the browser when asked, connects the driver and builds
// the run service.
func openSession(ctx context.Context, cfg *config.Config) (*session, error) {
	s := &session{cfg: cfg}
	exp, err := exporter(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.LaunchBrowser {
		s.launcher = browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURL:   cfg.StartURL,
			ProfileDir: cfg.ProfileDir,
		})
		if err := s.launcher.Launch(ctx); err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
	}

	s.driver = newDriver(cfg)
	if err := s.driver.Connect(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("connect %s: %w", cfg.CDPURL(), err)
	}
	slog.Info("tv_harvester driver connected", "backend", cfg.Backend, "cdp_url", cfg.CDPURL())

	s.store, err = openStore(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	opts := controller.Options{
		Harvest: harvest.Options{
			ElementTimeout: cfg.ElementTimeout,
			PollInterval:   cfg.PollInterval,
			AdvanceSettle:  cfg.AdvanceSettle,
			SyncRetries:    cfg.SyncRetries,
		},
		LayoutFor: func(mode locators.AssetMode) (harvest.Layout, error) {
			return locators.Load(cfg.LocatorFile, mode)
		},
		Exporter:     exp,
		JournalDir:   cfg.JournalDir,
		JournalMaxMB: cfg.JournalMaxMB,
		Notifier:     notify.Notifier{Endpoint: cfg.NtfyEndpoint},
		Defaults: controller.RunRequest{
			Count:         cfg.Count,
			ReferenceDate: cfg.ReferenceDate,
			AssetMode:     cfg.AssetMode,
		},
		Summary: func(t report.Table) { report.RenderSummary(os.Stdout, t) },
	}
	if s.store != nil {
		s.svc = controller.NewService(s.driver, s.store, opts)
	} else {
		s.svc = controller.NewService(s.driver, nil, opts)
	}
	return s, nil
}

// Close releases everything openSession acquired.
func (s *session) Close() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Debug("history close failed", "error", err)
		}
	}
	if s.driver != nil {
		if err := s.driver.Close(); err != nil {
			slog.Debug("CDP client close failed", "error", err)
		}
	}
	if s.launcher != nil && s.launcher.Running() {
		s.launcher.Stop()
	}
}

func setupLogger(level, filename string) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}

var errRunFailed = errors.New("run failed")
