package tagging

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/phototag/pkg/models"
)

// Publisher fans status-change events out to subscribers so observers never
// poll the full record set. Delivery is best effort: a subscriber that stops
// draining loses events rather than blocking the orchestrator.
type Publisher struct {
	mu   sync.RWMutex
	subs map[int]chan models.StatusEvent
	next int
}

// NewPublisher creates a new Publisher.
func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[int]chan models.StatusEvent)}
}

// Subscribe registers a new subscriber with the given channel buffer.
// The returned cancel func must be called to release the subscription.
func (p *Publisher) Subscribe(buffer int) (<-chan models.StatusEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan models.StatusEvent, buffer)

	p.mu.Lock()
	id := p.next
	p.next++
	p.subs[id] = ch
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		if _, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(ch)
		}
		p.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking.
func (p *Publisher) Publish(ev models.StatusEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is not draining; drop rather than block.
		}
	}
}

func statusEvent(tenantID, assetID uuid.UUID, status string, tags []string, errorCode string) models.StatusEvent {
	return models.StatusEvent{
		AssetID:   assetID,
		TenantID:  tenantID,
		Status:    status,
		Tags:      tags,
		ErrorCode: errorCode,
		At:        time.Now().UTC(),
	}
}
