package gateway

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/englishfox90/nina-gateway/internal/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Nina.Host = "127.0.0.1"
	cfg.Nina.Port = 1 // unreachable, so the link and seeder fail fast
	cfg.Nina.TimezoneOffset = "-05:00"
	cfg.Server.Port = 0
	cfg.Server.MaxDashboardClients = 10
	return cfg
}

func TestNew_WiresEveryComponentWithoutError(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gateway.db")
	g, err := New(testConfig(), dbPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.eventLog.Close()

	if g.handlers == nil || g.hubSrv == nil || g.cfgStore == nil || g.metrics == nil {
		t.Fatal("expected every core component to be constructed")
	}
}

func TestStartAndStop_ShutsDownCleanly(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gateway.db")
	cfg := testConfig()
	cfg.Server.Port = 18532

	g, err := New(cfg, dbPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	startErr := make(chan error, 1)
	go func() { startErr <- g.Start(ctx) }()

	time.Sleep(150 * time.Millisecond)

	resp, err := http.Get("http://127.0.0.1:18532/api/gateway/health")
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}

	cancel()
	if err := <-startErr; err != nil {
		t.Fatalf("Start returned error after cancel: %v", err)
	}
	if err := g.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
