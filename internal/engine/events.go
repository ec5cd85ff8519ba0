package engine

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrader/internal/domain"
	"papertrader/internal/regime"
)

// EventType tags an Event.
type EventType string

const (
	EventStatus    EventType = "status"
	EventExecution EventType = "execution"
	EventRegime    EventType = "regime"
)

// Event is a notification published by the AutoTrader.
type Event struct {
	Type      EventType                `json:"type"`
	Time      time.Time                `json:"time"`
	Status    *Status                  `json:"status,omitempty"`
	Execution *Execution               `json:"execution,omitempty"`
	Risk      *regime.RiskParameterSet `json:"risk,omitempty"`
}

// Execution describes one order the AutoTrader sent to the ledger.
type Execution struct {
	Ticker   string          `json:"ticker"`
	Action   domain.Action   `json:"action"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Reason   string          `json:"reason"`
	Accepted bool            `json:"accepted"`
	Rejected string          `json:"rejected,omitempty"`
	RiskSize float64         `json:"risk_size,omitempty"`
}

// broadcaster fans events out to subscribers. Slow consumers lose events.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

func (b *broadcaster) subscribe(bufSize int) (int, <-chan Event) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *broadcaster) unsubscribe(id int) {
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *broadcaster) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Slow consumer: drop.
		}
	}
}
