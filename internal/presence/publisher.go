package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// writeTimeout bounds a single Store write.
const writeTimeout = 3 * time.Second

type occupancy struct {
	roomID  string
	members int
}

// Counts reports the live member count of a room.
type Counts interface {
	Members(roomID string) int
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithCounts makes every write re-read the live count of each changed room
// from c, so notifications that arrive out of order never leave a stale value.
func WithCounts(c Counts) Option {
	return func(p *Publisher) { p.counts = c }
}

// Publisher receives occupancy changes from the gateway without blocking and
// writes them to a Store from its own goroutine. Bursts for the same room are
// coalesced to the latest count.
type Publisher struct {
	store  Store
	counts Counts
	logger *zap.Logger
	queue  chan occupancy

	dropped atomic.Int64
	stop    chan struct{}
	once    sync.Once
	done    chan struct{}
}

// NewPublisher creates a Publisher.
//
// Precondition: store and logger must be non-nil.
// Postcondition: queueSize <= 0 selects 1024.
func NewPublisher(store Store, queueSize int, logger *zap.Logger, opts ...Option) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	p := &Publisher{
		store:  store,
		logger: logger,
		queue:  make(chan occupancy, queueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RoomOccupancy enqueues a count. When the queue is full the update is
// dropped and counted.
func (p *Publisher) RoomOccupancy(roomID string, members int) {
	select {
	case p.queue <- occupancy{roomID: roomID, members: members}:
	default:
		if p.dropped.Add(1) == 1 {
			p.logger.Warn("presence queue full, dropping updates")
		}
	}
}

// Dropped returns the number of updates discarded because the queue was full.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Start writes queued updates until Stop or ctx cancellation, then flushes
// what remains and clears this node's entries.
func (p *Publisher) Start(ctx context.Context) error {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return nil
		case <-p.stop:
			p.shutdown()
			return nil
		case u := <-p.queue:
			batch := map[string]int{u.roomID: u.members}
			p.drainInto(batch)
			p.write(batch)
		}
	}
}

// Stop ends Start and waits for it to finish or ctx to end.
func (p *Publisher) Stop(ctx context.Context) {
	p.once.Do(func() { close(p.stop) })
	select {
	case <-p.done:
	case <-ctx.Done():
		p.logger.Warn("presence publisher did not stop in time")
	}
}

func (p *Publisher) drainInto(batch map[string]int) {
	for {
		select {
		case u := <-p.queue:
			batch[u.roomID] = u.members
		default:
			return
		}
	}
}

func (p *Publisher) write(batch map[string]int) {
	if p.counts != nil {
		for roomID := range batch {
			batch[roomID] = p.counts.Members(roomID)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := p.store.Apply(ctx, batch); err != nil {
		p.logger.Warn("publishing occupancy", zap.Int("rooms", len(batch)), zap.Error(err))
	}
}

func (p *Publisher) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := p.store.Clear(ctx); err != nil {
		p.logger.Warn("clearing occupancy", zap.Error(err))
	}
}
