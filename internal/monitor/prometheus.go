package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "traversald/pkg/logx"
)

// Prometheus exports every numeric variable as one series of a gauge vector
// labelled by variable name. Non-numeric values are counted and dropped.
type Prometheus struct {
	gatherer  prometheus.Gatherer
	values    *prometheus.GaugeVec
	publishes prometheus.Counter
	dropped   *prometheus.CounterVec
}

// NewPrometheus registers its collectors on reg. A nil reg gets a fresh registry.
func NewPrometheus(namespace string, reg *prometheus.Registry) *Prometheus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = "traversald"
	}
	factory := promauto.With(reg)
	return &Prometheus{
		gatherer: reg,
		values: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "monitor_value",
				Help:      "Latest value of a published monitor variable",
			},
			[]string{"var"},
		),
		publishes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_publishes_total",
			Help:      "Number of monitor publish calls",
		}),
		dropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "monitor_dropped_total",
				Help:      "Published variables that had no numeric value",
			},
			[]string{"var"},
		),
	}
}

func (p *Prometheus) Publish(vars map[string]any) {
	p.publishes.Inc()
	for name, v := range vars {
		f, ok := toFloat(v)
		if !ok {
			p.dropped.WithLabelValues(name).Inc()
			continue
		}
		p.values.WithLabelValues(name).Set(f)
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

// ServeConfig controls the metrics listener.
type ServeConfig struct {
	// Addr defaults to 127.0.0.1:9464.
	Addr string
	// Pprof mounts net/http/pprof under /debug/pprof/. There is no auth;
	// keep Addr on loopback when enabled.
	Pprof bool
}

// Serve exposes /metrics and /healthz until ctx ends.
func (p *Prometheus) Serve(ctx context.Context, cfg ServeConfig, log logx.Logger) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:9464"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		if !isLoopbackAddr(addr) {
			log.Warn("pprof exposed on non-loopback addr", logx.String("addr", addr))
		}
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics server listening", logx.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown error", logx.Err(err))
			return err
		}
		log.Info("metrics server stopped")
		return nil
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case time.Time:
		return float64(x.UnixMilli()) / 1000, true
	case time.Duration:
		return x.Seconds(), true
	default:
		return 0, false
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
