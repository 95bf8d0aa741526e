package observability

import "sync"

// EngineMetricsSnapshot captures per-engine lifecycle counters.
type EngineMetricsSnapshot struct {
	OrdersCreated   map[string]int `json:"orders_created"`
	OrdersCancelled map[string]int `json:"orders_cancelled"`
	TradesCreated   map[string]int `json:"trades_created"`
	TradesReleased  map[string]int `json:"trades_released"`
	TradesExpired   map[string]int `json:"trades_expired"`
	TradesCancelled map[string]int `json:"trades_cancelled"`
}

// RuntimeMetrics accumulates engine metrics in-memory for periodic export.
type RuntimeMetrics struct {
	mu     sync.Mutex
	engine EngineMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.engine = EngineMetricsSnapshot{
		OrdersCreated:   make(map[string]int),
		OrdersCancelled: make(map[string]int),
		TradesCreated:   make(map[string]int),
		TradesReleased:  make(map[string]int),
		TradesExpired:   make(map[string]int),
		TradesCancelled: make(map[string]int),
	}
	return metrics
}

// RecordOrderCreated increments the order-creation counter for an engine.
func (m *RuntimeMetrics) RecordOrderCreated(engine string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine.OrdersCreated[engine]++
}

// RecordOrderCancelled increments the order-cancellation counter for an engine.
func (m *RuntimeMetrics) RecordOrderCancelled(engine string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine.OrdersCancelled[engine]++
}

// RecordTradeCreated increments the trade-creation counter for an engine.
func (m *RuntimeMetrics) RecordTradeCreated(engine string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine.TradesCreated[engine]++
}

// RecordTradeReleased increments the release counter for an engine.
func (m *RuntimeMetrics) RecordTradeReleased(engine string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine.TradesReleased[engine]++
}

// RecordTradeExpired increments the expiry counter for an engine.
func (m *RuntimeMetrics) RecordTradeExpired(engine string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine.TradesExpired[engine]++
}

// RecordTradeCancelled increments the trade-cancellation counter for an engine.
func (m *RuntimeMetrics) RecordTradeCancelled(engine string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine.TradesCancelled[engine]++
}

// Snapshot copies the current engine metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() EngineMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := EngineMetricsSnapshot{
		OrdersCreated:   make(map[string]int, len(m.engine.OrdersCreated)),
		OrdersCancelled: make(map[string]int, len(m.engine.OrdersCancelled)),
		TradesCreated:   make(map[string]int, len(m.engine.TradesCreated)),
		TradesReleased:  make(map[string]int, len(m.engine.TradesReleased)),
		TradesExpired:   make(map[string]int, len(m.engine.TradesExpired)),
		TradesCancelled: make(map[string]int, len(m.engine.TradesCancelled)),
	}
	for k, v := range m.engine.OrdersCreated {
		snapshot.OrdersCreated[k] = v
	}
	for k, v := range m.engine.OrdersCancelled {
		snapshot.OrdersCancelled[k] = v
	}
	for k, v := range m.engine.TradesCreated {
		snapshot.TradesCreated[k] = v
	}
	for k, v := range m.engine.TradesReleased {
		snapshot.TradesReleased[k] = v
	}
	for k, v := range m.engine.TradesExpired {
		snapshot.TradesExpired[k] = v
	}
	for k, v := range m.engine.TradesCancelled {
		snapshot.TradesCancelled[k] = v
	}
	return snapshot
}
