package bus

import (
	"log"
	"sync"
	"time"

	"github.com/msageha/taskvault/internal/logging"
)

// DefaultMaxQueueSize bounds each mailbox.
const DefaultMaxQueueSize = 1000

// Subscriber is called after a message is enqueued. Panics are recovered.
type Subscriber func(*Message)

type subscription struct {
	id uint64
	fn Subscriber
}

// Bus holds one priority-ordered queue per recipient behind a single mutex.
type Bus struct {
	mu             sync.Mutex
	queues         map[string][]*Message
	opened         map[string]bool
	subscribers    map[string][]subscription
	broadcastSubs  []subscription
	nextSubID      uint64
	maxQueueSize   int
	totalPublished int
	totalConsumed  int
	now            func() time.Time
	logger         *log.Logger
	logLevel       logging.Level
}

type Option func(*Bus)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

func WithLogger(logger *log.Logger, level logging.Level) Option {
	return func(b *Bus) {
		b.logger = logger
		b.logLevel = level
	}
}

func New(maxQueueSize int, opts ...Option) *Bus {
	if maxQueueSize <= 0 {
		maxQueueSize = DefaultMaxQueueSize
	}
	b := &Bus{
		queues:       make(map[string][]*Message),
		opened:       make(map[string]bool),
		subscribers:  make(map[string][]subscription),
		maxQueueSize: maxQueueSize,
		now:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Open creates an empty mailbox for recipient so broadcasts reach it
// before its first direct message. Opened mailboxes survive PurgeExpired.
func (b *Bus) Open(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[recipient]; !ok {
		b.queues[recipient] = nil
	}
	b.opened[recipient] = true
}

// Publish enqueues msg. A direct message to a full mailbox is rejected and
// false is returned. A broadcast goes to every existing mailbox except the
// sender's, skips full ones, and always returns true.
func (b *Bus) Publish(msg *Message) bool {
	b.mu.Lock()

	var subs []subscription
	if msg.IsBroadcast() {
		delivered := 0
		for recipient, q := range b.queues {
			if recipient == msg.Sender || len(q) >= b.maxQueueSize {
				continue
			}
			b.queues[recipient] = append(q, msg)
			delivered++
		}
		b.totalPublished++
		subs = append(subs, b.broadcastSubs...)
		b.mu.Unlock()

		b.log(logging.LevelDebug, "broadcast id=%s kind=%s sender=%s delivered=%d", msg.ID, msg.Kind, msg.Sender, delivered)
		notify(subs, msg)
		return true
	}

	q := b.queues[msg.Recipient]
	if len(q) >= b.maxQueueSize {
		b.mu.Unlock()
		b.log(logging.LevelWarn, "queue_full recipient=%s size=%d dropped=%s", msg.Recipient, len(q), msg.ID)
		return false
	}
	b.queues[msg.Recipient] = insertByPriority(q, msg)
	b.totalPublished++
	subs = append(subs, b.subscribers[msg.Recipient]...)
	b.mu.Unlock()

	b.log(logging.LevelDebug, "publish id=%s kind=%s sender=%s recipient=%s priority=%s",
		msg.ID, msg.Kind, msg.Sender, msg.Recipient, msg.Priority)
	notify(subs, msg)
	return true
}

// insertByPriority places msg before the first message of strictly lower
// urgency, keeping FIFO order among equal priorities.
func insertByPriority(q []*Message, msg *Message) []*Message {
	idx := len(q)
	for i, m := range q {
		if msg.Priority < m.Priority {
			idx = i
			break
		}
	}
	q = append(q, nil)
	copy(q[idx+1:], q[idx:])
	q[idx] = msg
	return q
}

// Consume removes and returns up to max unexpired messages for recipient in
// priority order. Every expired message in the queue is discarded first.
func (b *Bus) Consume(recipient string, max int) []*Message {
	if max <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[recipient]
	if !ok {
		return nil
	}

	now := b.now()
	live := make([]*Message, 0, len(q))
	for _, m := range q {
		if !m.Expired(now) {
			live = append(live, m)
		}
	}
	n := min(max, len(live))
	out := live[:n:n]
	b.queues[recipient] = live[n:]
	b.totalConsumed += len(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Peek counts unexpired messages for recipient without removing anything.
func (b *Bus) Peek(recipient string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	n := 0
	for _, m := range b.queues[recipient] {
		if !m.Expired(now) {
			n++
		}
	}
	return n
}

// Subscribe registers fn for direct messages to recipient and returns an
// unsubscribe func.
func (b *Bus) Subscribe(recipient string, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	id := b.nextSubID
	b.subscribers[recipient] = append(b.subscribers[recipient], subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subscribers[recipient] = removeSub(b.subscribers[recipient], id)
		if len(b.subscribers[recipient]) == 0 {
			delete(b.subscribers, recipient)
		}
	}
}

// SubscribeBroadcast registers fn for every broadcast.
func (b *Bus) SubscribeBroadcast(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	id := b.nextSubID
	b.broadcastSubs = append(b.broadcastSubs, subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.broadcastSubs = removeSub(b.broadcastSubs, id)
	}
}

// Clear drops recipient's mailbox and returns how many messages it held.
func (b *Bus) Clear(recipient string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.queues[recipient])
	delete(b.queues, recipient)
	delete(b.opened, recipient)
	return n
}

// PurgeExpired drops expired messages from every mailbox and removes
// mailboxes that end up empty unless they were opened explicitly.
func (b *Bus) PurgeExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	purged := 0
	for recipient, q := range b.queues {
		kept := q[:0]
		for _, m := range q {
			if m.Expired(now) {
				purged++
				continue
			}
			kept = append(kept, m)
		}
		for i := len(kept); i < len(q); i++ {
			q[i] = nil
		}
		if len(kept) == 0 && !b.opened[recipient] {
			delete(b.queues, recipient)
			continue
		}
		b.queues[recipient] = kept
	}
	if purged > 0 {
		b.log(logging.LevelInfo, "purge_expired count=%d", purged)
	}
	return purged
}

type Stats struct {
	TotalQueued    int `json:"total_queued"`
	TotalPublished int `json:"total_published"`
	TotalConsumed  int `json:"total_consumed"`
	ActiveQueues   int `json:"active_queues"`
	MaxQueueSize   int `json:"max_queue_size"`
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Stats{
		TotalPublished: b.totalPublished,
		TotalConsumed:  b.totalConsumed,
		MaxQueueSize:   b.maxQueueSize,
	}
	for _, q := range b.queues {
		st.TotalQueued += len(q)
		if len(q) > 0 {
			st.ActiveQueues++
		}
	}
	return st
}

func removeSub(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// notify runs outside the lock so a subscriber may publish or consume.
func notify(subs []subscription, msg *Message) {
	for _, s := range subs {
		func() {
			defer func() {
				_ = recover()
			}()
			s.fn(msg)
		}()
	}
}

func (b *Bus) log(level logging.Level, format string, args ...any) {
	logging.Logf(b.logger, b.logLevel, level, "bus", format, args...)
}
