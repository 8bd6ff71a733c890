package monitor

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "traversald/pkg/logx"
)

func TestMemoryKeepsLatestAndFansOut(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ch, unsub := m.Subscribe(1)
	defer unsub()

	m.Publish(map[string]any{VarPasses: 1, VarSubmitted: 0})
	m.Publish(map[string]any{VarPasses: 2})

	if v, _ := m.Get(VarPasses); v != 2 {
		t.Fatalf("passes = %v, want 2", v)
	}
	if v, _ := m.Get(VarSubmitted); v != 0 {
		t.Fatalf("submitted = %v, want 0", v)
	}

	// Buffer of one: the second update is dropped, not blocked on.
	select {
	case u := <-ch:
		if u.Vars[VarPasses] != 1 {
			t.Fatalf("first update = %v", u.Vars)
		}
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}
	select {
	case u := <-ch:
		t.Fatalf("unexpected second update %v", u.Vars)
	default:
	}
}

func TestMemoryUnsubscribeIsSafe(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	_, unsub := m.Subscribe(0)
	unsub()
	unsub()
	m.Publish(map[string]any{"x": 1})
}

type panicSink struct{}

func (panicSink) Publish(map[string]any) { panic("boom") }

func TestMultiSkipsPanickingSink(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	Multi(logx.Nop(), panicSink{}, nil, m).Publish(map[string]any{"x": 1})
	if _, ok := m.Get("x"); !ok {
		t.Fatal("sink after the panicking one was not called")
	}
}

func TestPrometheusExportsNumericVars(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	p := NewPrometheus("test", reg)
	p.Publish(map[string]any{
		VarCurrentTime: time.UnixMilli(1500),
		VarRunning:     3,
		"label":        "text",
	})

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`test_monitor_value{var="/Scheduler/currentTime"} 1.5`,
		`test_monitor_value{var="/Scheduler/running"} 3`,
		`test_monitor_dropped_total{var="label"} 1`,
		`test_monitor_publishes_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestNewKafkaValidates(t *testing.T) {
	t.Parallel()
	if _, err := NewKafka(KafkaConfig{Topic: "t"}, logx.Nop()); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}}, logx.Nop()); err == nil {
		t.Fatal("expected error without topic")
	}
	k, err := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}, logx.Nop())
	if err != nil {
		t.Fatalf("NewKafka: %v", err)
	}
	_ = k.Close()
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:9464": true,
		"[::1]:9464":     true,
		"0.0.0.0:9464":   false,
		":9464":          false,
		"10.0.0.5:9464":  false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
