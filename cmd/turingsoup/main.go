// Command turingsoup hosts the BFF primordial-soup simulation: it loads
// configuration, starts the driver, and serves its websocket event stream.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tetzl/turingsoup/internal/config"
	"github.com/tetzl/turingsoup/internal/driver"
	"github.com/tetzl/turingsoup/internal/web"
)

var (
	configPath string
	logJSON    bool
	logLevel   string
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "turingsoup",
		Short: "A primordial-soup simulator for self-replicating BFF programs",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit JSON-formatted logs")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newRunCmd(), newBenchCmd(), newSnapshotCmd(), newBatchCmd())
	return root
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	if logJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if lvl, err := logrus.ParseLevel(logLevel); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

// hubObserver forwards the driver's periodic stats to a websocket hub,
// the observability hook's default wiring.
type hubObserver struct {
	hub *web.Hub
}

func (o *hubObserver) Observe(s driver.Stats, soupSample []byte) {
	frame := web.StatsFrame{
		Epoch:          s.Epoch,
		PairCount:      s.PairCount,
		Entropy:        s.Entropy,
		Kolmogorov:     s.Kolmogorov,
		Head0EMA:       s.Head0EMA,
		Head1EMA:       s.Head1EMA,
		MathEMA:        s.MathEMA,
		CopyEMA:        s.CopyEMA,
		LoopEMA:        s.LoopEMA,
		StepsPerSecond: s.StepsPerSecond,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case o.hub.Broadcast <- data:
	default:
	}
	select {
	case o.hub.Broadcast <- soupSample:
	default:
	}
}

func newRunCmd() *cobra.Command {
	var pairsPerStep int
	var workers int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulation and serve its websocket event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("pairs-per-step") {
				cfg.Driver.PairsPerStep = pairsPerStep
			}
			if cmd.Flags().Changed("workers") {
				cfg.Driver.Workers = workers
			}

			hub := web.NewHub()

			d, err := driver.New(cfg, log, &hubObserver{hub: hub})
			if err != nil {
				log.WithError(err).Fatal("failed to start driver")
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go hub.Run(ctx)

			mux := http.NewServeMux()
			mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
				web.ServeWS(hub, d, log, w, r)
			})
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintln(w, "ok")
			})

			server := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
			go func() {
				log.WithField("addr", cfg.Server.Addr).Info("starting web server")
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.WithError(err).Error("server error")
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			runDone := make(chan error, 1)
			go func() { runDone <- d.Run(ctx) }()

			select {
			case <-sigCh:
				log.Info("shutting down")
			case err := <-runDone:
				if err != nil {
					log.WithError(err).Error("driver stopped with error")
				}
			}

			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			server.Shutdown(shutdownCtx)
			return d.Close(shutdownCtx)
		},
	}
	cmd.Flags().IntVar(&pairsPerStep, "pairs-per-step", 0, "override driver.pairsPerStep")
	cmd.Flags().IntVar(&workers, "workers", 0, "override driver.workers")
	return cmd
}

func newBenchCmd() *cobra.Command {
	var ticks int

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run the simulation headlessly for a fixed number of ticks and report throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			d, err := driver.New(cfg, log, nil)
			if err != nil {
				return err
			}

			ctx := context.Background()
			start := time.Now()
			var pairsExecuted int64
			for i := 0; i < ticks; i++ {
				if err := d.Tick(ctx); err != nil {
					return err
				}
			}
			elapsed := time.Since(start)
			stats := d.Stats(nil)
			pairsExecuted = stats.PairCount

			fmt.Printf("ticks=%d pairs=%d elapsed=%s pairs/sec=%.1f epoch=%.3f entropy=%.3f\n",
				ticks, pairsExecuted, elapsed, float64(pairsExecuted)/elapsed.Seconds(), stats.Epoch, stats.Entropy)
			return nil
		},
	}
	cmd.Flags().IntVar(&ticks, "ticks", 100, "number of ticks to run")
	return cmd
}

func newBatchCmd() *cobra.Command {
	var pairs int
	var out string

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Execute a batch of pairs and emit the external stats+tape record stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := driver.New(cfg, log, nil)
			if err != nil {
				return err
			}
			records := d.ExecuteBatch(d.SelectPairs(pairs))

			w := os.Stdout
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			_, err = w.Write(records)
			return err
		},
	}
	cmd.Flags().IntVar(&pairs, "pairs", 16, "number of pairs to execute")
	cmd.Flags().StringVar(&out, "out", "", "file to write the record stream to (default stdout)")
	return cmd
}

func newSnapshotCmd() *cobra.Command {
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect or manage simulation snapshots",
	}
	snapshotCmd.AddCommand(newSnapshotInspectCmd())
	return snapshotCmd
}

func newSnapshotInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print summary stats for a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := driver.New(cfg, log, nil)
			if err != nil {
				return err
			}
			if err := d.LoadSnapshot(args[0]); err != nil {
				return err
			}
			stats := d.Stats(nil)
			fmt.Printf("tick=%d epoch=%.3f pairCount=%d entropy=%.3f kolmogorov=%.3f\n",
				stats.Tick, stats.Epoch, stats.PairCount, stats.Entropy, stats.Kolmogorov)
			return nil
		},
	}
}
