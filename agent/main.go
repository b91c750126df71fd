package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"collabtext/internal/config"
	"collabtext/internal/connection"
	"collabtext/internal/coordinator"
	"collabtext/internal/discovery"
	"collabtext/internal/docstore"
	"collabtext/internal/logging"
	"collabtext/internal/metrics"
	"collabtext/internal/presence"
	"collabtext/internal/session"
)

const statePeriod = time.Second

// agent serves one user's browser tabs and runs their collaboration session.
type agent struct {
	co    *coordinator.Coordinator
	store docstore.Store
	hub   *Hub
	log   *zap.SugaredLogger
}

func (a *agent) handleCommand(c *Client, cmd Command) error {
	if cmd.IsEdit() {
		op, err := cmd.Operation()
		if err != nil {
			return err
		}
		_, err = a.co.Submit(op)
		return err
	}
	switch cmd.Action {
	case "cursor":
		a.co.BroadcastCursorPosition(cmd.X, cmd.Y)
	case "select":
		a.co.BroadcastMemoSelection(cmd.MemoID)
	case "resolve":
		if _, err := a.co.ResolveConflict(cmd.Strategy, cmd.Choice); err != nil {
			return err
		}
		a.hub.Publish(a.state())
	case "state":
		a.sendSnapshot(c)
	default:
		return fmt.Errorf("%w: %q", errUnknownAction, cmd.Action)
	}
	return nil
}

// state is the periodic summary: collaborators, connection and conflicts.
func (a *agent) state() uiEvent {
	conn := a.co.ConnectionState()
	stats := a.co.ConflictStats()
	ev := uiEvent{Event: "state", Users: a.co.ActiveUsers(), Connection: &conn, Conflicts: &stats}
	if p, ok := a.co.PendingConflict(); ok {
		ev.Pending = &p
	}
	return ev
}

func (a *agent) sendSnapshot(c *Client) {
	ev := a.state()
	memos, err := a.store.List()
	if err != nil {
		a.log.Warnw("list memos", "error", err)
	}
	ev.Memos = memos
	b, err := json.Marshal(ev)
	if err != nil {
		a.log.Errorw("encode snapshot", "error", err)
		return
	}
	a.hub.SendTo(c, b)
}

func (a *agent) publishState(ctx context.Context) {
	ticker := time.NewTicker(statePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.hub.Publish(a.state())
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	zap.ReplaceGlobals(logger.Desugar())
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatalw("agent stopped", "error", err)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := docstore.OpenBolt(cfg.Agent.DBPath)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(store))

	relayURL := cfg.Agent.RelayURL
	if relayURL == "" && cfg.Agent.Discover {
		log.Infow("browsing for relay", "service", config.ServiceName, "timeout", cfg.Agent.DiscoveryTimeout)
		lookupCtx, cancel := context.WithTimeout(ctx, cfg.Agent.DiscoveryTimeout)
		relayURL, err = discovery.Lookup(lookupCtx, config.ServiceName)
		cancel()
		if err != nil {
			return err
		}
	}
	if relayURL == "" {
		return errors.New("no relay url configured and discovery disabled")
	}
	log.Infow("using relay", "url", relayURL)

	userID := cfg.Agent.UserID
	if userID == "" {
		userID = uuid.NewString()
	}
	sess := session.New(cfg.Agent.WorkspaceID, userID, cfg.Agent.Email)
	col := cfg.Collaboration

	reg := prometheus.NewRegistry()
	m := metrics.NewClient(reg)
	conn := connection.New(connection.Config{
		BaseURL:           relayURL,
		HeartbeatInterval: col.HeartbeatInterval,
		ReconnectBackOff:  backoff.NewConstantBackOff(col.ReconnectDelay),
		DialTimeout:       col.DialTimeout,
		WriteTimeout:      col.WriteTimeout,
	}, log, m)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := newHub(log)
	go hub.run(hubCtx)

	co, err := coordinator.New(sess, &notifyingStore{Store: store, hub: hub}, conn, coordinator.Config{
		OutboxSize:    col.OutboxSize,
		HistorySize:   col.HistorySize,
		SweepInterval: col.SweepInterval,
		Presence: presence.Config{
			CursorDebounce: col.CursorDebounce,
			ActiveWindow:   col.ActiveWindow,
			StaleAfter:     col.StaleAfter,
		},
	}, log, m)
	if err != nil {
		return err
	}
	defer co.Close()
	co.InitializeUser(coordinator.UserInfo{Email: cfg.Agent.Email})
	co.Connect()

	a := &agent{co: co, store: store, hub: hub, log: log.Named("agent")}
	go a.publishState(ctx)

	router := mux.NewRouter()
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, a.handleCommand, a.sendSnapshot, w, r)
	})
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.PathPrefix("/").Handler(http.FileServer(http.Dir(cfg.Agent.UIDir)))

	httpSrv := &http.Server{
		Addr:              cfg.Agent.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- httpSrv.ListenAndServe() }()
	log.Infow("agent listening", "addr", cfg.Agent.ListenAddr, "user", userID, "workspace", sess.WorkspaceID)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
