package serverrun

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgpkg "github.com/vireo-health/opq/internal/config"
	"github.com/vireo-health/opq/internal/delivery"
	"github.com/vireo-health/opq/internal/runtime"
	pebblestore "github.com/vireo-health/opq/internal/storage/pebble"
	logpkg "github.com/vireo-health/opq/pkg/log"
)

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// small wrapper to allow testing; replaced by os.Getenv at build time
var getenv = func(key string) string { return os.Getenv(key) }

// auditRetention bounds how far back the persisted audit trail reaches.
const auditRetention = 30 * 24 * time.Hour

type Options struct {
	DataDir       string
	MetricsAddr   string
	DeliveryURL   string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	// Tick is the interval between processing passes.
	Tick   time.Duration
	Config cfgpkg.Config
}

// NewLogger builds the process-wide logger from OPQ_LOG_LEVEL and
// OPQ_LOG_FORMAT, defaulting to info-level text.
func NewLogger() logpkg.Logger {
	lvl := logpkg.InfoLevel
	if l, err := logpkg.ParseLevel(getenvDefault("OPQ_LOG_LEVEL", "info")); err == nil {
		lvl = l
	}
	var formatter logpkg.Formatter = &logpkg.TextFormatter{}
	if getenvDefault("OPQ_LOG_FORMAT", "text") == "json" {
		formatter = &logpkg.JSONFormatter{}
	}
	return logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(formatter))
}

// Run starts the processor loop and the metrics endpoint and blocks until
// ctx is cancelled or a termination signal arrives.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}

	procLogger := NewLogger()
	// Pebble logs through the std logger; route it through ours
	logpkg.RedirectStdLog(procLogger)

	rt, err := runtime.Open(sctx, runtime.Options{
		DataDir:       filepath.Join(opts.DataDir, "store"),
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Config:        opts.Config,
		Logger:        procLogger,
		Deliverer:     delivery.NewHTTP(opts.DeliveryURL, nil, procLogger),
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	procLogger.Info("starting opq engine",
		logpkg.Str("data_dir", opts.DataDir),
		logpkg.Str("metrics", opts.MetricsAddr),
		logpkg.Str("delivery", opts.DeliveryURL),
		logpkg.Dur("tick", opts.Tick),
	)

	var wg sync.WaitGroup
	var metricsSrv *http.Server
	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if herr := rt.CheckHealth(r.Context()); herr != nil {
				http.Error(w, herr.Error(), http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ok"))
		})
		metricsSrv = &http.Server{Addr: opts.MetricsAddr, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if serr := metricsSrv.ListenAndServe(); serr != nil && serr != http.ErrServerClosed {
				procLogger.Error("metrics server failed", logpkg.Err(serr))
			}
		}()
	}

	ticker := time.NewTicker(opts.Tick)
	defer ticker.Stop()
	lastTrim := time.Now()

	for {
		select {
		case <-sctx.Done():
			if metricsSrv != nil {
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = metricsSrv.Shutdown(shutCtx)
				cancel()
			}
			wg.Wait()
			procLogger.Info("opq engine stopped")
			return nil
		case <-ticker.C:
			if perr := rt.Engine().RunPass(sctx); perr != nil && sctx.Err() == nil {
				procLogger.Error("processing pass failed", logpkg.Err(perr))
			}
			if time.Since(lastTrim) > 24*time.Hour {
				lastTrim = time.Now()
				cutoff := time.Now().Add(-auditRetention)
				if n, terr := rt.Trail().TrimBefore(sctx, cutoff); terr != nil {
					procLogger.Warn("audit trim failed", logpkg.Err(terr))
				} else if n > 0 {
					procLogger.Debug("trimmed audit records", logpkg.Int("count", n))
				}
			}
		}
	}
}
