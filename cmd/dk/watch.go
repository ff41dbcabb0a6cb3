package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/daviddao/deskbeads/internal/metrics"
)

var (
	watchTicket  int64
	watchMetrics string
	watchBars    bool
	watchLines   int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard of tickets, analytics and one ticket's detail",
	Long: "Live dashboard kept current by polling and the backend change stream.\n" +
		"Type commands followed by Enter:\n  " + dashboardHelp,
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput {
			return fmt.Errorf("watch has no JSON output")
		}
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		g, ctx := errgroup.WithContext(ctx)

		addr := watchMetrics
		if addr == "" {
			addr = cfg.Metrics.Address
		}
		if addr != "" {
			srv, err := metricsServer(addr)
			if err != nil {
				return err
			}
			g.Go(func() error {
				logger.Info("metrics server listening", slog.String("address", addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Warn("metrics server shutdown", slog.Any("error", err))
				}
				return nil
			})
		}

		d := newDashboard(ctx, ctrl, cmd.OutOrStdout())
		d.clear = term.IsTerminal(int(os.Stdout.Fd()))
		d.bars = watchBars
		d.lines = watchLines

		g.Go(func() error {
			unmount := d.mount()
			defer unmount()
			if watchTicket > 0 {
				d.open(watchTicket)
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-d.dirty:
					d.render()
				}
			}
		})

		// The scanner cannot be interrupted, so it lives outside the group
		// and is abandoned on exit.
		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(cmd.InOrStdin())
			for sc.Scan() {
				select {
				case lines <- sc.Text():
				case <-ctx.Done():
					return
				}
			}
		}()
		g.Go(func() error {
			in := lines
			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-in:
					if !ok {
						// Input closed: keep the dashboard up until interrupted.
						in = nil
						continue
					}
					if d.handle(line) {
						cancel()
						return nil
					}
				}
			}
		})

		err := g.Wait()
		d.wait()
		fmt.Fprintln(cmd.OutOrStdout())
		return err
	},
}

// metricsServer exposes the deskbeads collectors plus Go runtime metrics.
func metricsServer(addr string) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}, nil
}

func init() {
	watchCmd.Flags().Int64Var(&watchTicket, "ticket", 0, "Open this ticket's detail on start")
	watchCmd.Flags().StringVar(&watchMetrics, "metrics-address", "", "Serve prometheus metrics on this address (e.g. :9108)")
	watchCmd.Flags().BoolVar(&watchBars, "bars", false, "Draw priority as bars instead of a ring")
	watchCmd.Flags().IntVar(&watchLines, "lines", 8, "Maximum body lines in the detail panel")
	rootCmd.AddCommand(watchCmd)
}
