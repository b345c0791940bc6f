package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBus(t *testing.T, size int) (*Bus, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	return New(size, WithClock(clk.Now)), clk
}

func msgAt(clk *fakeClock, kind Kind, sender, recipient string, p Priority) *Message {
	m := NewMessage(kind, sender, recipient, nil, p)
	m.Timestamp = clk.Now()
	return m
}

func TestPublish_PriorityOrder(t *testing.T) {
	b, clk := newTestBus(t, 10)

	low := msgAt(clk, KindInfoRequest, "a", "x", PriorityLow)
	urgent := msgAt(clk, KindSecurityAlert, "a", "x", PriorityUrgent)
	normal := msgAt(clk, KindStatusUpdate, "a", "x", PriorityNormal)
	for _, m := range []*Message{low, urgent, normal} {
		require.True(t, b.Publish(m))
	}

	got := b.Consume("x", 10)
	require.Len(t, got, 3)
	assert.Equal(t, []string{urgent.ID, normal.ID, low.ID}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestPublish_FIFOWithinPriority(t *testing.T) {
	b, clk := newTestBus(t, 10)

	first := msgAt(clk, KindInfoRequest, "a", "x", PriorityHigh)
	second := msgAt(clk, KindInfoRequest, "a", "x", PriorityHigh)
	b.Publish(first)
	b.Publish(second)

	got := b.Consume("x", 10)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)
}

func TestConsume_SkipsExpired(t *testing.T) {
	b, clk := newTestBus(t, 10)

	stale := msgAt(clk, KindInfoRequest, "a", "x", PriorityUrgent)
	stale.TTL = 3600 * time.Second
	stale.Timestamp = clk.Now().Add(-7200 * time.Second)
	fresh := msgAt(clk, KindInfoRequest, "a", "x", PriorityLow)

	b.Publish(stale)
	b.Publish(fresh)

	assert.Equal(t, 1, b.Peek("x"))
	got := b.Consume("x", 10)
	require.Len(t, got, 1)
	assert.Equal(t, fresh.ID, got[0].ID)
	assert.Empty(t, b.Consume("x", 10))
}

func TestConsume_DropsExpiredBeyondMax(t *testing.T) {
	b, clk := newTestBus(t, 2)

	live := msgAt(clk, KindSecurityAlert, "a", "r", PriorityUrgent)
	dead := msgAt(clk, KindInfoRequest, "a", "r", PriorityLow)
	dead.TTL = time.Minute
	dead.Timestamp = clk.Now().Add(-time.Hour)
	require.True(t, b.Publish(live))
	require.True(t, b.Publish(dead))

	got := b.Consume("r", 1)
	require.Len(t, got, 1)
	assert.Equal(t, live.ID, got[0].ID)
	assert.Equal(t, 0, b.Stats().TotalQueued)

	require.True(t, b.Publish(msgAt(clk, KindInfoRequest, "a", "r", PriorityNormal)))
	require.True(t, b.Publish(msgAt(clk, KindInfoRequest, "a", "r", PriorityNormal)))
}

func TestConsume_ExpiresWithClock(t *testing.T) {
	b, clk := newTestBus(t, 10)

	m := msgAt(clk, KindHeartbeat, "a", "x", PriorityNormal)
	m.TTL = time.Minute
	b.Publish(m)

	assert.Equal(t, 1, b.Peek("x"))
	clk.Advance(2 * time.Minute)
	assert.Equal(t, 0, b.Peek("x"))
	assert.Empty(t, b.Consume("x", 1))
}

func TestConsume_RespectsMax(t *testing.T) {
	b, clk := newTestBus(t, 10)
	for i := 0; i < 5; i++ {
		b.Publish(msgAt(clk, KindInfoRequest, "a", "x", PriorityNormal))
	}

	assert.Len(t, b.Consume("x", 2), 2)
	assert.Equal(t, 3, b.Peek("x"))
	assert.Nil(t, b.Consume("x", 0))
	assert.Nil(t, b.Consume("nobody", 5))
}

func TestPeek_DoesNotConsume(t *testing.T) {
	b, clk := newTestBus(t, 10)
	b.Publish(msgAt(clk, KindInfoRequest, "a", "x", PriorityNormal))

	assert.Equal(t, 1, b.Peek("x"))
	assert.Equal(t, 1, b.Peek("x"))
	assert.Len(t, b.Consume("x", 5), 1)
}

func TestPublish_FullQueueRejected(t *testing.T) {
	b, clk := newTestBus(t, 2)

	require.True(t, b.Publish(msgAt(clk, KindInfoRequest, "a", "x", PriorityLow)))
	require.True(t, b.Publish(msgAt(clk, KindInfoRequest, "a", "x", PriorityLow)))
	assert.False(t, b.Publish(msgAt(clk, KindSecurityAlert, "a", "x", PriorityUrgent)))

	assert.Equal(t, 2, b.Peek("x"))
	assert.Equal(t, 2, b.Stats().TotalPublished)
}

func TestPublish_BroadcastSkipsSender(t *testing.T) {
	b, clk := newTestBus(t, 10)
	b.Open("a")
	b.Open("b")
	b.Open("c")

	ok := b.Publish(msgAt(clk, KindSecurityAlert, "a", Broadcast, PriorityUrgent))
	assert.True(t, ok)

	assert.Equal(t, 0, b.Peek("a"))
	assert.Equal(t, 1, b.Peek("b"))
	assert.Equal(t, 1, b.Peek("c"))
}

func TestPublish_BroadcastSkipsFullQueues(t *testing.T) {
	b, clk := newTestBus(t, 1)
	b.Open("b")
	b.Publish(msgAt(clk, KindInfoRequest, "a", "c", PriorityNormal))

	assert.True(t, b.Publish(msgAt(clk, KindStatusUpdate, "a", Broadcast, PriorityLow)))
	assert.Equal(t, 1, b.Peek("b"))
	assert.Equal(t, 1, b.Peek("c"))
}

func TestSubscribe(t *testing.T) {
	b, clk := newTestBus(t, 10)

	var got []string
	unsub := b.Subscribe("x", func(m *Message) { got = append(got, m.ID) })

	m1 := msgAt(clk, KindInfoRequest, "a", "x", PriorityNormal)
	b.Publish(m1)
	b.Publish(msgAt(clk, KindInfoRequest, "a", "y", PriorityNormal))
	unsub()
	b.Publish(msgAt(clk, KindInfoRequest, "a", "x", PriorityNormal))

	assert.Equal(t, []string{m1.ID}, got)
}

func TestSubscribe_PanicRecovered(t *testing.T) {
	b, clk := newTestBus(t, 10)

	received := false
	unsub1 := b.Subscribe("x", func(*Message) { panic("boom") })
	defer unsub1()
	unsub2 := b.Subscribe("x", func(*Message) { received = true })
	defer unsub2()

	assert.NotPanics(t, func() {
		assert.True(t, b.Publish(msgAt(clk, KindInfoRequest, "a", "x", PriorityNormal)))
	})
	assert.True(t, received, "second subscriber did not run after first panicked")
	assert.Equal(t, 1, b.Peek("x"))
}

func TestSubscribe_MayPublish(t *testing.T) {
	b, clk := newTestBus(t, 10)

	unsub := b.Subscribe("x", func(m *Message) {
		b.Publish(msgAt(clk, KindInfoResponse, "x", m.Sender, PriorityNormal))
	})
	defer unsub()

	b.Publish(msgAt(clk, KindInfoRequest, "a", "x", PriorityNormal))
	assert.Equal(t, 1, b.Peek("a"))
}

func TestSubscribeBroadcast(t *testing.T) {
	b, clk := newTestBus(t, 10)

	count := 0
	unsub := b.SubscribeBroadcast(func(*Message) { count++ })
	b.Publish(msgAt(clk, KindSecurityAlert, "a", Broadcast, PriorityUrgent))
	b.Publish(msgAt(clk, KindInfoRequest, "a", "x", PriorityUrgent))
	unsub()
	b.Publish(msgAt(clk, KindSecurityAlert, "a", Broadcast, PriorityUrgent))

	assert.Equal(t, 1, count)
}

func TestPurgeExpiredAndClear(t *testing.T) {
	b, clk := newTestBus(t, 10)
	b.Open("kept")

	short := msgAt(clk, KindHeartbeat, "a", "gone", PriorityNormal)
	short.TTL = time.Second
	b.Publish(short)
	long := msgAt(clk, KindHeartbeat, "a", "stay", PriorityNormal)
	b.Publish(long)

	clk.Advance(time.Minute)
	assert.Equal(t, 1, b.PurgeExpired())

	st := b.Stats()
	assert.Equal(t, 1, st.TotalQueued)
	assert.Equal(t, 1, st.ActiveQueues)

	// an opened mailbox still receives broadcasts after a purge
	b.Publish(msgAt(clk, KindStatusUpdate, "a", Broadcast, PriorityLow))
	assert.Equal(t, 1, b.Peek("kept"))
	assert.Equal(t, 0, b.Peek("gone"))

	assert.Equal(t, 2, b.Clear("stay"))
	assert.Equal(t, 0, b.Peek("stay"))
}

func TestStats(t *testing.T) {
	b, clk := newTestBus(t, 5)
	b.Publish(msgAt(clk, KindInfoRequest, "a", "x", PriorityNormal))
	b.Publish(msgAt(clk, KindInfoRequest, "a", "x", PriorityNormal))
	b.Publish(msgAt(clk, KindInfoRequest, "a", "y", PriorityNormal))
	b.Consume("x", 1)

	st := b.Stats()
	assert.Equal(t, Stats{
		TotalQueued:    2,
		TotalPublished: 3,
		TotalConsumed:  1,
		ActiveQueues:   2,
		MaxQueueSize:   5,
	}, st)
}

func TestBus_ConcurrentPublishConsume(t *testing.T) {
	b := New(10000)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(NewMessage(KindInfoRequest, "a", "x", nil, Priority(j%4)))
			}
		}()
	}
	consumed := 0
	var mu sync.Mutex
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				n := len(b.Consume("x", 5))
				mu.Lock()
				consumed += n
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 800, consumed+b.Peek("x"))
	assert.Equal(t, 800, b.Stats().TotalPublished)
}
