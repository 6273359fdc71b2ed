package transport

import (
	"sync"

	"github.com/gitter-badger/zproc/internal/codec"
)

// subscriber is one live consumer of change records. The channel is
// buffered to absorb short bursts; a slow consumer has events dropped
// rather than blocking the publisher.
type subscriber struct {
	id  uint64
	key string // optional key filter; "" means all keys
	ch  chan codec.ChangeRecord
}

// Publisher is the publish channel: one state server publishes change
// records, many subscribers fan out from it. It also retains a bounded
// ring buffer of recent records so a subscriber can replay everything
// since a given revision instead of only seeing events from the moment
// it subscribed — this is what gives watchers their "optionally fetch the
// current snapshot" replay semantics without a second round trip.
type Publisher struct {
	mu        sync.RWMutex
	subs      []*subscriber
	nextSubID uint64

	recentMu sync.RWMutex
	recent   []codec.ChangeRecord
	maxKept  int

	mirror Mirror
	onDrop func()
}

// Mirror is an optional secondary sink for change records (e.g. a NATS
// JetStream subject) that out-of-process observers can subscribe to
// without holding a socket to the daemon. Publish must not block.
type Mirror interface {
	Publish(codec.ChangeRecord)
}

// NewPublisher creates a publisher retaining up to maxKept recent change
// records for replay. maxKept <= 0 defaults to 1000, matching the
// daemon-style mutation buffers this package is modeled on.
func NewPublisher(maxKept int) *Publisher {
	if maxKept <= 0 {
		maxKept = 1000
	}
	return &Publisher{maxKept: maxKept}
}

// SetMirror attaches (or clears, with nil) a secondary sink. Must be
// called before the server starts accepting connections.
func (p *Publisher) SetMirror(m Mirror) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mirror = m
}

// SetDropHandler installs a callback invoked once per event dropped for a
// slow subscriber, for metrics reporting. Must be called before the
// server starts accepting connections.
func (p *Publisher) SetDropHandler(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDrop = fn
}

// Publish fans a change record out to every current subscriber whose key
// filter matches, appends it to the replay buffer, and forwards it to the
// mirror if one is attached. Subscribers never block the publisher: a
// full subscriber channel drops the event for that subscriber only.
func (p *Publisher) Publish(rec codec.ChangeRecord) {
	p.recentMu.Lock()
	p.recent = append(p.recent, rec)
	if len(p.recent) > p.maxKept {
		p.recent = p.recent[len(p.recent)-p.maxKept:]
	}
	p.recentMu.Unlock()

	p.mu.RLock()
	onDrop := p.onDrop
	for _, sub := range p.subs {
		if sub.key != "" && !rec.TouchesKey(sub.key) {
			continue
		}
		select {
		case sub.ch <- rec:
		default:
			if onDrop != nil {
				onDrop()
			}
		}
	}
	mirror := p.mirror
	p.mu.RUnlock()

	if mirror != nil {
		mirror.Publish(rec)
	}
}

// Subscribe registers a new subscriber, optionally filtered to a single
// key, and returns its channel plus an unsubscribe function. key == ""
// subscribes to every change record. This is the server-side filtering
// optimization described for WatchEqual/WatchNotEqual/WatchAvailable: it
// saves subscriber-side work, it is never a correctness requirement.
func (p *Publisher) Subscribe(key string) (<-chan codec.ChangeRecord, func()) {
	sub := &subscriber{
		key: key,
		ch:  make(chan codec.ChangeRecord, 64),
	}

	p.mu.Lock()
	p.nextSubID++
	sub.id = p.nextSubID
	p.subs = append(p.subs, sub)
	p.mu.Unlock()

	unsubscribe := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, existing := range p.subs {
			if existing.id == sub.id {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
	}

	return sub.ch, unsubscribe
}

// RecentSince returns every retained change record with revision strictly
// greater than since, in revision order. Used by watchers to replay
// mutations that happened between a registration revision and the moment
// the subscription channel actually starts delivering.
func (p *Publisher) RecentSince(since uint64) []codec.ChangeRecord {
	p.recentMu.RLock()
	defer p.recentMu.RUnlock()

	out := make([]codec.ChangeRecord, 0, len(p.recent))
	for _, rec := range p.recent {
		if rec.Revision > since {
			out = append(out, rec)
		}
	}
	return out
}
