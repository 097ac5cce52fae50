package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/tv_harvester/internal/api"
	"github.com/dgnsrekt/tv_harvester/internal/config"
	"github.com/dgnsrekt/tv_harvester/internal/controller"
	"github.com/dgnsrekt/tv_harvester/internal/harvest"
	"github.com/dgnsrekt/tv_harvester/internal/history"
	"github.com/dgnsrekt/tv_harvester/internal/locators"
	"github.com/dgnsrekt/tv_harvester/internal/netutil"
	"github.com/dgnsrekt/tv_harvester/internal/notify"
)

func newRunCmd(cfg *config.Config) *cobra.Command {
	var interactive bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Harvest the active watchlist once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			in := bufio.NewScanner(os.Stdin)
			out := cmd.OutOrStdout()
			req := controller.RunRequest{Count: cfg.Count, ReferenceDate: cfg.ReferenceDate, AssetMode: cfg.AssetMode}
			if interactive {
				var err error
				if req, err = promptRequest(in, out, req); err != nil {
					return err
				}
			}

			sess, err := openSession(ctx, cfg)
			if err != nil {
				slog.Error("tv_harvester session setup failed", "error", err)
				return err
			}
			defer sess.Close()

			if interactive {
				fmt.Fprintln(out, "Open the watchlist and select its first symbol, then type 'now'.")
				if err := waitForNow(ctx, in, out); err != nil {
					return err
				}
				fmt.Fprintln(out, "Commands while running: p = pause, r = resume, s = stop")
				go controlLoop(in, sess.svc)
			}

			outcome, err := sess.svc.RunSync(ctx, req)
			if err != nil {
				slog.Error("tv_harvester run rejected", "error", err)
				return err
			}
			fmt.Fprintln(out, notify.FormatSummary(outcome.Result, outcome.Watchlist, outcome.Outputs))
			if outcome.Status == harvest.StatusFailed {
				return fmt.Errorf("%w: %v", errRunFailed, outcome.Err)
			}
			return nil
		},
	}
	addRunFlags(cmd)
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "prompt for run settings and wait for 'now' before starting")
	return cmd
}

// promptRequest asks for count, reference date and asset mode, keeping def
// for empty answers.
func promptRequest(in *bufio.Scanner, out io.Writer, def controller.RunRequest) (controller.RunRequest, error) {
	req := def
	for {
		answer, ok := prompt(in, out, fmt.Sprintf("Symbols to collect (default %d): ", def.Count))
		if !ok {
			return req, io.ErrUnexpectedEOF
		}
		if answer == "" {
			break
		}
		n, err := strconv.Atoi(answer)
		if err == nil && n > 0 {
			req.Count = n
			break
		}
		fmt.Fprintln(out, "Enter a positive number.")
	}

	today := time.Now().Format("2006-01-02")
	for {
		answer, ok := prompt(in, out, fmt.Sprintf("Reference date YYYY-MM-DD (default %s): ", today))
		if !ok {
			return req, io.ErrUnexpectedEOF
		}
		if _, err := config.ParseReferenceDate(answer, time.Now()); err != nil {
			fmt.Fprintln(out, "Use the YYYY-MM-DD format.")
			continue
		}
		if answer == "" {
			answer = today
		}
		req.ReferenceDate = answer
		break
	}

	fmt.Fprintln(out, "Asset type: 1 = stocks, 2 = ETF/ETN")
	for {
		answer, ok := prompt(in, out, "Choice (default 1): ")
		if !ok {
			return req, io.ErrUnexpectedEOF
		}
		mode, err := locators.ParseAssetMode(answer)
		if err != nil {
			fmt.Fprintln(out, "Enter 1 or 2.")
			continue
		}
		req.AssetMode = string(mode)
		return req, nil
	}
}

func prompt(in *bufio.Scanner, out io.Writer, label string) (string, bool) {
	fmt.Fprint(out, label)
	if !in.Scan() {
		return "", false
	}
	return strings.TrimSpace(in.Text()), true
}

// waitForNow blocks until the user types "now".
func waitForNow(ctx context.Context, in *bufio.Scanner, out io.Writer) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		answer, ok := prompt(in, out, "> ")
		if !ok {
			return io.ErrUnexpectedEOF
		}
		if strings.EqualFold(answer, "now") {
			return nil
		}
		fmt.Fprintln(out, "Type 'now' to start.")
	}
}

// controlLoop maps stdin commands onto the service until stdin closes.
func controlLoop(in *bufio.Scanner, svc *controller.Service) {
	for in.Scan() {
		var err error
		switch strings.ToLower(strings.TrimSpace(in.Text())) {
		case "p", "pause":
			err = svc.Pause()
		case "r", "resume":
			err = svc.Resume()
		case "s", "stop":
			err = svc.Stop()
		case "":
			continue
		default:
			slog.Warn("tv_harvester unknown command", "input", in.Text())
			continue
		}
		if err != nil {
			slog.Warn("tv_harvester command failed", "input", in.Text(), "error", err)
		}
	}
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run control API and run scheduled harvests",
		RunE: func(cmd *cobra.Command, args []string) error {
			candidates, err := netutil.NextPorts(cfg.BindAddr, cfg.PortFallbackCount)
			if err != nil {
				return err
			}
			bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, candidates, cfg.PortAutoFallback)
			if err != nil {
				slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
				return err
			}

			sess, err := openSession(cmd.Context(), cfg)
			if err != nil {
				slog.Error("tv_harvester session setup failed", "error", err)
				return err
			}
			defer sess.Close()

			if cfg.Schedule != "" {
				if err := sess.svc.Schedule(cfg.Schedule); err != nil {
					return err
				}
			}

			srv := &http.Server{Addr: bindAddr, Handler: api.NewServer(sess.svc), ReadHeaderTimeout: 10 * time.Second}
			errCh := make(chan error, 1)
			go func() {
				slog.Info("tv_harvester listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sigCh:
			case err = <-errCh:
				slog.Error("tv_harvester server failed", "error", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
				slog.Error("tv_harvester shutdown failed", "error", shutdownErr)
			}
			if closeErr := sess.svc.Close(ctx); closeErr != nil {
				slog.Error("tv_harvester run did not finish before shutdown", "error", closeErr)
			}
			return err
		},
	}
	addRunFlags(cmd)
	cmd.Flags().String("bind-addr", "", "control API listen address")
	cmd.Flags().String("schedule", "", "cron expression for recurring runs (optional seconds field)")
	return cmd
}

// historyService serves history queries without a browser.
func historyService(cfg *config.Config) (*controller.Service, *history.Store, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, controller.ErrHistoryDisabled
	}
	return controller.NewService(nil, store, controller.Options{}), store, nil
}

func newHistoryCmd(cfg *config.Config) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, store, err := historyService(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := svc.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			renderRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "maximum runs to show")
	return cmd
}

func renderRuns(w io.Writer, runs []history.Run) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"RUN", "STARTED", "STATUS", "STOP", "COLLECTED", "SKIPPED", "MODE", "WATCHLIST"})
	for _, r := range runs {
		tw.AppendRow(table.Row{
			r.RunID,
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.Status,
			r.StopReason,
			fmt.Sprintf("%d/%d", r.Collected, r.Requested),
			r.Skipped,
			r.AssetMode,
			r.Watchlist,
		})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "", "runs", len(runs)})
	tw.Render()
}

func newExportCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "export <run-id>",
		Short: "Write a stored run to the configured export formats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := exporter(cfg)
			if err != nil {
				return err
			}
			svc, store, err := historyService(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			paths, err := svc.Export(cmd.Context(), args[0], exp)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "run has no records, nothing written")
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}
