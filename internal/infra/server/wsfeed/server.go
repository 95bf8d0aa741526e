// Package wsfeed streams engine notifications to websocket observers and
// serves runtime counters for operators.
package wsfeed

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/pegbridge/escrow/internal/bus/eventbus"
	"github.com/pegbridge/escrow/internal/events"
	"github.com/pegbridge/escrow/internal/observability"
)

const (
	feedPath    = "/feed"
	healthPath  = "/healthz"
	metricsPath = "/metrics/runtime"

	defaultWriteTimeout = 5 * time.Second
)

// Config tunes the feed server.
type Config struct {
	Addr         string        `yaml:"addr"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Server accepts websocket observers and replays every bus notification to
// them as JSON. When constructed over several buses the feed interleaves
// their notifications into one stream.
type Server struct {
	cfg     Config
	buses   []eventbus.Bus
	metrics *observability.RuntimeMetrics
	httpSrv *http.Server
}

// New constructs a feed server over the given buses. metrics may be nil.
func New(cfg Config, metrics *observability.RuntimeMetrics, buses ...eventbus.Bus) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8787"
	}
	s := &Server{cfg: cfg, buses: buses, metrics: metrics}

	mux := http.NewServeMux()
	mux.HandleFunc(feedPath, s.handleFeed)
	mux.HandleFunc(healthPath, s.handleHealth)
	mux.HandleFunc(metricsPath, s.handleMetrics)
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the HTTP handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe blocks serving connections until Shutdown.
func (s *Server) ListenAndServe() error {
	observability.Log().Info("feed server listening", observability.String("addr", s.cfg.Addr))
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var snapshot observability.EngineMetricsSnapshot
	if s.metrics != nil {
		snapshot = s.metrics.Snapshot()
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		http.Error(w, "encode snapshot", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observability.Log().Error("feed accept failed", observability.Err(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed terminated")

	ctx := r.Context()
	merged, err := s.mergeBuses(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt, open := <-merged:
			if !open {
				conn.Close(websocket.StatusNormalClosure, "bus closed")
				return
			}
			if err := s.write(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

// mergeBuses subscribes to every bus and fans their notifications into one
// channel. The channel closes once every source channel has closed.
func (s *Server) mergeBuses(ctx context.Context) (<-chan *events.Event, error) {
	merged := make(chan *events.Event, 16)
	var wg sync.WaitGroup
	for _, bus := range s.buses {
		id, ch, err := bus.SubscribeAll(ctx)
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(bus eventbus.Bus, id eventbus.SubscriptionID, ch <-chan *events.Event) {
			defer wg.Done()
			defer bus.Unsubscribe(id)
			for evt := range ch {
				select {
				case merged <- evt:
				case <-ctx.Done():
					return
				}
			}
		}(bus, id, ch)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()
	return merged, nil
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, evt *events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		observability.Log().Error("feed encode failed", observability.Err(err))
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// TrackEngineActivity consumes a bus and folds lifecycle notifications into
// the runtime counters served at /metrics/runtime. It returns when the
// context is cancelled or the bus closes.
func TrackEngineActivity(ctx context.Context, bus eventbus.Bus, metrics *observability.RuntimeMetrics) error {
	id, ch, err := bus.SubscribeAll(ctx)
	if err != nil {
		return err
	}
	defer bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, open := <-ch:
			if !open {
				return nil
			}
			record(metrics, evt)
		}
	}
}

func record(metrics *observability.RuntimeMetrics, evt *events.Event) {
	if metrics == nil || evt == nil {
		return
	}
	switch evt.Type {
	case events.TypeOrderCreated:
		metrics.RecordOrderCreated(evt.Engine)
	case events.TypeOrderCancelled:
		metrics.RecordOrderCancelled(evt.Engine)
	case events.TypeTradeCreated, events.TypeRequestCreated:
		metrics.RecordTradeCreated(evt.Engine)
	case events.TypeTradeReleasedBuyer, events.TypeTradeReleasedSeller,
		events.TypeRequestReleasedBuyer, events.TypeRequestReleasedSeller:
		metrics.RecordTradeReleased(evt.Engine)
	case events.TypeTradeExpired, events.TypeRequestExpired:
		metrics.RecordTradeExpired(evt.Engine)
	case events.TypeTradeCancelled, events.TypeRequestCancelled:
		metrics.RecordTradeCancelled(evt.Engine)
	}
}
