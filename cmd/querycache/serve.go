package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/agentuity/querycache/accelerator"
	"github.com/agentuity/querycache/invalidation"
	"github.com/agentuity/querycache/logger"
	"github.com/agentuity/querycache/metrics"
	"github.com/agentuity/querycache/preheat"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"
)

type processStats struct {
	PID        int32   `json:"pid"`
	RSS        uint64  `json:"rss"`
	VMS        uint64  `json:"vms"`
	CPUPercent float64 `json:"cpuPercent"`
}

type statsResponse struct {
	metrics.Report
	Hot     []preheat.Record `json:"hot"`
	Process *processStats    `json:"process,omitempty"`
}

type invalidateResponse struct {
	Deleted int `json:"deleted"`
}

type server struct {
	acc    *accelerator.Accelerator
	proc   *process.Process
	logger logger.Logger
}

func newServer(acc *accelerator.Accelerator, log logger.Logger) *server {
	s := &server{acc: acc, logger: log.WithPrefix("[http]")}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.logger.Warn("process stats unavailable: %s", err)
	} else {
		s.proc = proc
	}
	return s
}

func (s *server) processStats(ctx context.Context) *processStats {
	if s.proc == nil {
		return nil
	}
	stats := &processStats{PID: s.proc.Pid}
	if mem, err := s.proc.MemoryInfoWithContext(ctx); err == nil {
		stats.RSS = mem.RSS
		stats.VMS = mem.VMS
	}
	if cpu, err := s.proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	return stats
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("error writing response: %s", err)
	}
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, statsResponse{
			Report:  s.acc.Stats(),
			Hot:     s.acc.Preheater().Hot(20),
			Process: s.processStats(r.Context()),
		})
	case http.MethodDelete:
		s.acc.ResetStats()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	patterns := r.URL.Query()["pattern"]
	if len(patterns) == 0 {
		http.Error(w, "at least one pattern is required", http.StatusBadRequest)
		return
	}
	deleted := s.acc.Invalidation().Invalidate(r.Context(), invalidation.EventManual, patterns...)
	s.writeJSON(w, http.StatusOK, invalidateResponse{Deleted: deleted})
}

func (s *server) handler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/invalidate", s.handleInvalidate)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newRegistry(acc *accelerator.Accelerator) (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		acc.Collector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(c); err != nil {
			return nil, errors.Wrap(err, "register collector")
		}
	}
	return registry, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve cache statistics, metrics and invalidation over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		acc, cfg, logger, shutdown, err := setup(ctx, cmd)
		if err != nil {
			return err
		}
		defer shutdown()

		registry, err := newRegistry(acc)
		if err != nil {
			return err
		}
		listen := cfg.Server.Listen
		if flag, _ := cmd.Flags().GetString("listen"); flag != "" {
			listen = flag
		}
		srv := &http.Server{
			Addr:              listen,
			Handler:           newServer(acc, logger).handler(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		errs := make(chan error, 1)
		go func() {
			logger.Info("listening on %s", listen)
			errs <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
		case err := <-errs:
			if !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "http server")
			}
		}
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address, overrides server.listen")
	rootCmd.AddCommand(serveCmd)
}
