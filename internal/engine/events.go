package engine

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event identifies an engine lifecycle or trading event.
type Event string

const (
	EventEngineStarted   Event = "engine_started"
	EventEngineStopped   Event = "engine_stopped"
	EventStrategyStarted Event = "strategy_started"
	EventStrategyStopped Event = "strategy_stopped"
	EventStrategyError   Event = "strategy_error"
	EventSignalGenerated Event = "signal_generated"
	EventOrderSubmitted  Event = "order_submitted"
	EventOrderFilled     Event = "order_filled"
	EventRiskRejected    Event = "risk_rejected"
	EventCycleCompleted  Event = "cycle_completed"
)

// Callback receives every emitted event. Callbacks run inline on the
// emitting goroutine and must not block.
type Callback func(event Event, data map[string]any)

// Bus fans engine events out to subscribers. A failing subscriber
// never disturbs the engine: panics are recovered and logged.
type Bus struct {
	mu        sync.RWMutex
	callbacks []Callback
	log       *logrus.Logger
}

// NewBus returns an empty bus.
func NewBus(log *logrus.Logger) *Bus {
	return &Bus{log: log}
}

// Subscribe registers a callback for all events.
func (b *Bus) Subscribe(cb Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, cb)
}

// Emit stamps the payload with the event name and time, then delivers
// it to every subscriber.
func (b *Bus) Emit(event Event, data map[string]any) {
	if data == nil {
		data = make(map[string]any)
	}
	data["event"] = string(event)
	data["timestamp"] = time.Now().Format(time.RFC3339)

	b.mu.RLock()
	callbacks := append([]Callback(nil), b.callbacks...)
	b.mu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.WithFields(logrus.Fields{"event": event, "panic": r}).
						Error("event callback panicked")
				}
			}()
			cb(event, data)
		}()
	}
}
