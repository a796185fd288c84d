package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/internal/models"
)

func newTestBus(opts Options) *Bus {
	b := New(opts, nil)
	return b
}

func recv(t *testing.T, ch <-chan models.Event) models.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed while expecting an event")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return models.Event{}
	}
}

func expectClosed(t *testing.T, ch <-chan models.Event) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel never closed")
		}
	}
}

func TestEmitAssignsSequentialSequences(t *testing.T) {
	b := newTestBus(Options{})
	defer b.Stop()

	for i := 1; i <= 3; i++ {
		ev := b.Emit("s1", "node-start", map[string]any{"i": i}, "")
		assert.Equal(t, int64(i), ev.Sequence)
		assert.Equal(t, "s1", ev.SessionID)
	}

	// Sequences are per session, not global.
	ev := b.Emit("s2", "node-start", nil, "")
	assert.Equal(t, int64(1), ev.Sequence)
}

func TestSubscribeReplaysThenGoesLive(t *testing.T) {
	b := newTestBus(Options{})
	defer b.Stop()

	for i := 1; i <= 5; i++ {
		b.Emit("s1", "echo-progress", map[string]any{"n": i}, "")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, complete := b.Subscribe(ctx, "s1", 2)
	require.True(t, complete)

	for want := int64(3); want <= 5; want++ {
		assert.Equal(t, want, recv(t, ch).Sequence)
	}

	b.Emit("s1", "echo-progress", map[string]any{"n": 6}, "")
	assert.Equal(t, int64(6), recv(t, ch).Sequence)
}

func TestSubscribeWithNoHistory(t *testing.T) {
	b := newTestBus(Options{})
	defer b.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, complete := b.Subscribe(ctx, "fresh", 0)
	require.True(t, complete)

	b.Emit("fresh", "node-start", nil, "")
	assert.Equal(t, int64(1), recv(t, ch).Sequence)
}

func TestRetentionDropsOldestHalf(t *testing.T) {
	b := newTestBus(Options{Retention: 4})
	defer b.Stop()

	for i := 1; i <= 5; i++ {
		b.Emit("s1", "echo-progress", nil, "")
	}

	// Crossing the cap at 5 events keeps the newest half: 4 and 5.
	assert.Equal(t, int64(4), b.OldestRetained("s1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, complete := b.Subscribe(ctx, "s1", 0)
	assert.False(t, complete, "trimmed history must be reported as a gap")
	assert.Equal(t, int64(4), recv(t, ch).Sequence)
	assert.Equal(t, int64(5), recv(t, ch).Sequence)
}

func TestReplayPastTrimPointIsComplete(t *testing.T) {
	b := newTestBus(Options{Retention: 4})
	defer b.Stop()

	for i := 1; i <= 5; i++ {
		b.Emit("s1", "echo-progress", nil, "")
	}

	// A cursor at or past the trim boundary has lost nothing.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, complete := b.Subscribe(ctx, "s1", 4)
	assert.True(t, complete)
	assert.Equal(t, int64(5), recv(t, ch).Sequence)
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	b := newTestBus(Options{SubscriberBuffer: 1})
	defer b.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := b.Subscribe(ctx, "s1", 0)

	b.Emit("s1", "echo-progress", nil, "") // fills the buffer
	b.Emit("s1", "echo-progress", nil, "") // nobody draining: evicted

	assert.Equal(t, int64(1), recv(t, ch).Sequence)
	expectClosed(t, ch)

	// The emitter was never blocked and the log kept both events.
	assert.Equal(t, int64(1), b.OldestRetained("s1"))
}

func TestSubscriberCancellation(t *testing.T) {
	b := newTestBus(Options{})
	defer b.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "s1", 0)
	cancel()
	expectClosed(t, ch)

	// Emitting after cancellation must not panic or deliver.
	b.Emit("s1", "echo-progress", nil, "")
}

func TestHeartbeatSynthesizedForQuietSession(t *testing.T) {
	b := newTestBus(Options{HeartbeatInterval: 10 * time.Second})
	defer b.Stop()

	base := time.Now()
	b.now = func() time.Time { return base }

	b.Emit("s1", "node-start", nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := b.Subscribe(ctx, "s1", 0)
	assert.Equal(t, int64(1), recv(t, ch).Sequence)

	// Quiet for less than the interval: no heartbeat.
	b.tick(base.Add(5 * time.Second))
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	b.tick(base.Add(11 * time.Second))
	hb := recv(t, ch)
	assert.Equal(t, models.EventHeartbeat, hb.Type)
	assert.Equal(t, int64(2), hb.Sequence, "heartbeats consume a sequence slot")
}

func TestHeartbeatRequiresSubscriber(t *testing.T) {
	b := newTestBus(Options{HeartbeatInterval: 10 * time.Second})
	defer b.Stop()

	base := time.Now()
	b.now = func() time.Time { return base }

	b.Emit("s1", "node-start", nil, "")
	b.tick(base.Add(time.Minute))

	assert.Equal(t, int64(1), b.OldestRetained("s1"), "no heartbeat without a subscriber")
}

func TestIdleSessionEvicted(t *testing.T) {
	b := newTestBus(Options{SessionIdleTTL: time.Minute})
	defer b.Stop()

	base := time.Now()
	b.now = func() time.Time { return base }

	b.Emit("s1", "node-start", nil, "")
	b.tick(base.Add(2 * time.Minute))

	b.mu.Lock()
	_, exists := b.sessions["s1"]
	b.mu.Unlock()
	assert.False(t, exists)
}

func TestSequencesSurviveSessionEviction(t *testing.T) {
	b := newTestBus(Options{SessionIdleTTL: time.Minute})
	defer b.Stop()

	base := time.Now()
	b.now = func() time.Time { return base }

	for i := 1; i <= 5; i++ {
		b.Emit("s1", "echo-progress", nil, "")
	}
	b.tick(base.Add(2 * time.Minute)) // evicts the idle session

	// The sequence space continues where the evicted session left off.
	ev := b.Emit("s1", "echo-progress", nil, "")
	assert.Equal(t, int64(6), ev.Sequence)
}

func TestResumeAfterEviction(t *testing.T) {
	b := newTestBus(Options{SessionIdleTTL: time.Minute})
	defer b.Stop()

	base := time.Now()
	b.now = func() time.Time { return base }

	for i := 1; i <= 5; i++ {
		b.Emit("s1", "echo-progress", nil, "")
	}
	b.tick(base.Add(2 * time.Minute))

	// A client that had consumed everything before the eviction has
	// missed nothing: its resume is complete and live events carry on
	// above its cursor.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, complete := b.Subscribe(ctx, "s1", 5)
	assert.True(t, complete)
	b.Emit("s1", "echo-progress", nil, "")
	assert.Equal(t, int64(6), recv(t, ch).Sequence)

	// A client behind the eviction point lost events 3-5 and must be
	// told so, exactly as if the log had been trimmed.
	ch2, complete := b.Subscribe(ctx, "s1", 2)
	assert.False(t, complete, "discarded history must surface as a gap")
	assert.Equal(t, int64(6), recv(t, ch2).Sequence)
}

func TestConcurrentEmitsStayOrdered(t *testing.T) {
	const emitters = 8
	const perEmitter = 50

	// Buffer sized for the whole run so the subscriber can drain afterwards
	// without tripping slow-consumer eviction.
	b := newTestBus(Options{Retention: 10000, SubscriberBuffer: emitters*perEmitter + 1})
	defer b.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := b.Subscribe(ctx, "s1", 0)

	var wg sync.WaitGroup
	for i := 0; i < emitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perEmitter; j++ {
				b.Emit("s1", "echo-progress", nil, "")
			}
		}()
	}
	wg.Wait()

	var last int64
	for i := 0; i < emitters*perEmitter; i++ {
		ev := recv(t, ch)
		require.Equal(t, last+1, ev.Sequence, "no gaps or reordering within a session")
		last = ev.Sequence
	}
}
