// Package gateway implements the Supervisor (C9): it constructs every
// other component, wires the live event pipeline between them, and owns
// the process lifecycle (start, bounded graceful shutdown). OS signal
// handling lives in the CLI's serve command, which calls Start and Stop.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/englishfox90/nina-gateway/internal/api"
	"github.com/englishfox90/nina-gateway/internal/config"
	"github.com/englishfox90/nina-gateway/internal/configstore"
	"github.com/englishfox90/nina-gateway/internal/errors"
	"github.com/englishfox90/nina-gateway/internal/eventlog"
	"github.com/englishfox90/nina-gateway/internal/hub"
	"github.com/englishfox90/nina-gateway/internal/logger"
	"github.com/englishfox90/nina-gateway/internal/normalize"
	"github.com/englishfox90/nina-gateway/internal/scheduler"
	"github.com/englishfox90/nina-gateway/internal/seeder"
	"github.com/englishfox90/nina-gateway/internal/session"
	"github.com/englishfox90/nina-gateway/internal/statestore"
	"github.com/englishfox90/nina-gateway/internal/sysmetrics"
	"github.com/englishfox90/nina-gateway/internal/upstream"
)

// ShutdownTimeout bounds how long Stop waits for background goroutines
// before giving up and returning anyway.
const ShutdownTimeout = 30 * time.Second

// State is the Supervisor's own lifecycle state, reported on the health
// endpoint alongside the component health triad.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "starting"
	}
}

// Gateway wires C1-C8 and the D1-D4 collaborators into one process.
type Gateway struct {
	cfg *config.Config

	eventLog   *eventlog.Store
	normalizer *normalize.Normalizer
	link       *upstream.Link
	state      *statestore.Store
	hubSrv     *hub.Hub
	seed       *seeder.Seeder
	handlers   *api.Handlers
	cfgStore   *configstore.Store
	metrics    *sysmetrics.Sampler
	schedView  *scheduler.View
	watcher    *config.Watcher

	counters *api.Counters

	httpSrv *http.Server
	mux     *http.ServeMux

	mu     sync.Mutex
	state_ State
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *zap.SugaredLogger
}

// New constructs every component from cfg but starts nothing. If
// cfg.Scheduler.DatabasePath is empty, or unreadable, the Scheduler View
// is omitted: scheduling data is optional ambient context.
func New(cfg *config.Config, eventLogPath string) (*Gateway, error) {
	eventLog, err := eventlog.Open(eventLogPath)
	if err != nil {
		return nil, errors.Wrap(err, "open event log")
	}

	doc, ok, err := statestore.LoadFromEventLog(context.Background(), eventLog)
	if err != nil {
		eventLog.Close()
		return nil, errors.Wrap(err, "load persisted session state")
	}
	if !ok {
		doc = session.NewDocument()
	}

	normalizer := normalize.New(normalize.Config{LocalOffset: cfg.Nina.TimezoneOffset})
	state := statestore.New(eventLog, doc, time.Second)
	hubSrv := hub.New(cfg.Server.MaxDashboardClients)

	link := upstream.New(upstream.Config{
		URL: "ws://" + cfg.Nina.Host + ":" + itoa(cfg.Nina.Port) + "/v2/socket",
	})

	seed := seeder.New(seeder.Config{
		HistoryURL: "http://" + cfg.Nina.Host + ":" + itoa(cfg.Nina.Port) + "/api/nina/event-history",
	}, normalizer, eventLog, state, link)

	counters := &api.Counters{}
	handlers := api.New(state, eventLog, link, hubSrv, seed, counters, cfg.Server.AllowedOrigins)

	cfgStore, err := configstore.New(eventLog.DB(), "", cfg)
	if err != nil {
		eventLog.Close()
		return nil, errors.Wrap(err, "construct config store")
	}

	metrics := sysmetrics.New(dataDirFor(eventLogPath))

	var schedView *scheduler.View
	if cfg.Scheduler.DatabasePath != "" {
		schedView, err = scheduler.Open(cfg.Scheduler.DatabasePath)
		if err != nil {
			// Scheduling data is ambient context only; a missing or
			// unreadable scheduler database never blocks startup.
			logger.Named("gateway").Warnw("scheduler view unavailable", "error", err.Error())
			schedView = nil
		}
	}

	mux := http.NewServeMux()

	g := &Gateway{
		cfg:        cfg,
		eventLog:   eventLog,
		normalizer: normalizer,
		link:       link,
		state:      state,
		hubSrv:     hubSrv,
		seed:       seed,
		handlers:   handlers,
		cfgStore:   cfgStore,
		metrics:    metrics,
		schedView:  schedView,
		counters:   counters,
		mux:        mux,
		httpSrv:    &http.Server{Addr: ":" + itoa(cfg.Server.Port), Handler: mux},
		state_:     StateStarting,
		log:        logger.Named("gateway"),
	}

	g.registerRoutes()
	return g, nil
}

func (g *Gateway) registerRoutes() {
	g.handlers.Register(g.mux)
	g.cfgStore.Register(g.mux)
	g.metrics.Register(g.mux)
	if g.schedView != nil {
		g.schedView.Register(g.mux)
	}
	g.mux.HandleFunc("/api/gateway/health", g.handleGatewayHealth)
	g.mux.HandleFunc("/ws", g.handleDashboardWS)
}

// handleDashboardWS upgrades a dashboard client and admits it to the
// Fan-out Hub, welcoming it with the current session document.
func (g *Gateway) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	if err := g.hubSrv.ServeWS(w, r, g.state.Snapshot()); err != nil {
		g.log.Warnw("dashboard websocket upgrade failed", "error", err.Error())
	}
}

func (g *Gateway) handleGatewayHealth(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	st := g.state_
	g.mu.Unlock()
	writeJSON(w, map[string]string{"state": st.String()})
}

// AttachWatcher wires a config.Watcher's reload callback to the config
// store, so file edits reach the live Config without a restart.
func (g *Gateway) AttachWatcher(w *config.Watcher) {
	g.watcher = w
	w.OnReload(g.cfgStore.OnReload)
}

// Start launches the upstream link, the boot-time seed, the live event
// pipeline, the metrics sampler, and the HTTP server, then blocks until
// ctx is canceled or the HTTP server fails.
func (g *Gateway) Start(ctx context.Context) error {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.setState(StateRunning)

	result := g.seed.Boot(g.ctx, g.link.Run)
	g.log.Infow("boot seed complete",
		"replayedEvents", result.ReplayedEvents,
		"linkStarted", result.LinkStarted,
	)
	if result.ReplayError != nil {
		g.log.Warnw("boot seed replay failed, continuing with empty history", "error", result.ReplayError.Error())
	}
	g.hubSrv.Broadcast("sessionUpdate", result.Document)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.runEventLoop(g.ctx)
	}()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.metrics.Run(g.ctx)
	}()

	if g.watcher != nil {
		g.watcher.Start()
	}

	errChan := make(chan error, 1)
	go func() {
		if err := g.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- errors.Wrap(err, "http server")
		}
	}()

	select {
	case <-g.ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// runEventLoop is the live-session data path: every raw frame the
// Upstream Link reads is normalized, reduced through the FSM, persisted
// to the Event Log, applied to the State Store, and fanned out to every
// dashboard client (spec §4: C1 -> C2 -> {C3, C4} -> C6 -> C7).
func (g *Gateway) runEventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-g.link.Out():
			if !ok {
				return
			}
			g.processFrame(ctx, raw)
		case cfg, ok := <-g.cfgStore.CoreUpdates():
			if !ok {
				continue
			}
			g.applyCoreConfig(cfg)
		}
	}
}

func (g *Gateway) processFrame(ctx context.Context, raw map[string]any) {
	doc := g.state.Snapshot()
	ev, ok := g.normalizer.Normalize(raw, doc.SessionUUID)
	if !ok {
		g.counters.EventsDropped.Add(1)
		return
	}

	if err := g.eventLog.Append(ctx, ev); err != nil {
		g.log.Warnw("failed to append event to log", "error", err.Error())
	}
	g.counters.PersistenceCalls.Add(1)

	next, changed := session.Reduce(doc, ev)
	if err := g.state.Apply(ctx, next, changed); err != nil {
		g.log.Warnw("failed to persist derived state", "error", err.Error())
	}
	g.counters.EventsProcessed.Add(1)

	if changed {
		g.hubSrv.Broadcast("sessionUpdate", next)
	}
}

// applyCoreConfig re-points the Normalizer's timezone offset at a
// reloaded value. The Upstream Link's URL and the Fan-out Hub's client
// cap keep the values they were constructed with; a reload does not
// change them.
func (g *Gateway) applyCoreConfig(cfg *config.Config) {
	g.log.Infow("applying reloaded configuration", "ninaHost", cfg.Nina.Host)
	g.normalizer = normalize.New(normalize.Config{LocalOffset: cfg.Nina.TimezoneOffset})
}

func (g *Gateway) setState(s State) {
	g.mu.Lock()
	g.state_ = s
	g.mu.Unlock()
}

// Stop gracefully shuts the gateway down: it stops accepting new HTTP
// connections, cancels the context driving the link and event loop,
// waits up to ShutdownTimeout for goroutines to exit, then closes the
// database.
func (g *Gateway) Stop() error {
	g.setState(StateDraining)
	g.log.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := g.httpSrv.Shutdown(shutdownCtx); err != nil {
		g.log.Warnw("http server shutdown error", "error", err.Error())
	}

	if g.cancel != nil {
		g.cancel()
	}

	if g.watcher != nil {
		if err := g.watcher.Stop(); err != nil {
			g.log.Warnw("config watcher stop error", "error", err.Error())
		}
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.log.Infow("all goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		g.log.Warnw("goroutine shutdown timed out, forcing exit", "timeout", ShutdownTimeout)
	}

	if g.schedView != nil {
		g.schedView.Close()
	}
	if err := g.eventLog.Close(); err != nil {
		g.log.Warnw("event log close error", "error", err.Error())
	}

	g.setState(StateStopped)
	g.log.Infow("shutdown complete")
	return nil
}

func dataDirFor(eventLogPath string) string {
	if eventLogPath == "" || eventLogPath == ":memory:" {
		return "."
	}
	idx := lastSlash(eventLogPath)
	if idx < 0 {
		return "."
	}
	return eventLogPath[:idx]
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
