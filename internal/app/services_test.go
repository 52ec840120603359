package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/shellyd/internal/config"
	"github.com/dokzlo13/shellyd/internal/ledger"
	"github.com/dokzlo13/shellyd/internal/meter"
)

type fakeShelly struct {
	mu   sync.Mutex
	on   bool
	sets int
}

func (f *fakeShelly) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/rpc/Shelly.GetStatus":
		if f.on {
			w.Write([]byte(`{"switch:0":{"output":true,"apower":99.5,"aenergy":{"total":3.0}}}`))
		} else {
			w.Write([]byte(`{"switch:0":{"output":false,"apower":0,"aenergy":{"total":3.0}}}`))
		}
	case "/rpc/Switch.Set":
		f.sets++
		f.on = r.URL.Query().Get("on") == "true"
		w.Write([]byte(`{"was_on":false}`))
	default:
		http.NotFound(w, r)
	}
}

func testConfig(t *testing.T, address, dbPath string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Device:   config.DeviceConfig{Address: address},
		Database: config.DatabaseConfig{Path: dbPath},
		Cycle:    config.CycleConfig{Interval: config.Duration(time.Hour)},
	}
	cfg.Device.ID = "io0"
	cfg.Device.Type = meter.ConsumptionMetered
	cfg.Device.Phase = meter.L1
	cfg.Device.Timeout = config.Duration(time.Second)
	cfg.Cycle.Timeout = config.Duration(5 * time.Second)
	cfg.Ledger.CleanupInterval = config.Duration(time.Hour)
	cfg.Ledger.RetentionDays = 1
	cfg.ShutdownTimeout = config.Duration(time.Second)
	return cfg
}

func TestServicesRunCycle(t *testing.T) {
	dev := &fakeShelly{}
	srv := httptest.NewServer(dev)
	defer srv.Close()

	cfg := testConfig(t, srv.URL, filepath.Join(t.TempDir(), "shellyd.db"))
	s, err := NewServices(cfg, Options{})
	if err != nil {
		t.Fatalf("NewServices() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx, func(err error) { t.Errorf("fatal: %v", err) }); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	s.Cycle.Runner.RunCycle(ctx)
	if got := s.Driver.DebugLog(); got != "Off|0 W" {
		t.Fatalf("after first cycle DebugLog() = %q", got)
	}

	if err := s.Driver.Request(true); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	s.Cycle.Runner.RunCycle(ctx) // reads Off, sends On
	s.Cycle.Runner.RunCycle(ctx) // reads On

	snap := s.Driver.Snapshot()
	if got := snap.DebugLog(); got != "On|100 W" {
		t.Errorf("DebugLog() = %q, want On|100 W", got)
	}
	if e, _ := snap.Energy.Get(); e != 50 {
		t.Errorf("energy = %d, want 50", e)
	}

	entries, err := s.Ledger.GetByType(ledger.EventCommandSent, 10)
	if err != nil || len(entries) != 1 {
		t.Errorf("command_sent entries = %v, %v", entries, err)
	}

	cancel()
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.sets != 1 {
		t.Errorf("device received %d commands, want 1", dev.sets)
	}
}

func TestDriverEnabledIsPersisted(t *testing.T) {
	srv := httptest.NewServer(&fakeShelly{})
	defer srv.Close()
	dbPath := filepath.Join(t.TempDir(), "shellyd.db")

	start := func(opts Options) *Services {
		s, err := NewServices(testConfig(t, srv.URL, dbPath), opts)
		if err != nil {
			t.Fatalf("NewServices() error = %v", err)
		}
		if err := s.Start(context.Background(), func(error) {}); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		return s
	}

	s := start(Options{})
	if !s.Driver.Enabled() {
		t.Fatal("driver should start enabled by default")
	}
	if err := s.Driver.SetEnabled(false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}
	s.Stop()

	s = start(Options{})
	if s.Driver.Enabled() {
		t.Fatal("disabled flag was not persisted")
	}
	if err := s.Driver.SetEnabled(true); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}
	s.Stop()

	s = start(Options{StartDisabled: true})
	defer s.Stop()
	if s.Driver.Enabled() {
		t.Fatal("StartDisabled must override the stored flag")
	}
}
