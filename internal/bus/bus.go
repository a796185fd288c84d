// Package bus implements the in-process event streaming service: per-session
// ordered event logs with bounded retention, replay from a sequence cursor,
// live fan-out to subscribers, and heartbeat synthesis for idle streams.
//
// The bus is single-process by design. Session state is guarded by a
// per-session mutex; the session registry by the bus mutex. Lock order is
// always registry then session.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentflow/internal/models"
	"agentflow/internal/telemetry"
)

// Options tune retention and delivery behavior.
type Options struct {
	// Retention caps the events kept per session. On overflow the oldest
	// half is dropped in one step so trims are infrequent.
	Retention int
	// SubscriberBuffer is the live-delivery channel capacity per subscriber.
	// A subscriber whose buffer is full when an event arrives is
	// disconnected; it can resume via Subscribe with its last sequence.
	SubscriberBuffer int
	// HeartbeatInterval is the max quiet period before a heartbeat event is
	// synthesized for a session with at least one subscriber.
	HeartbeatInterval time.Duration
	// SessionIdleTTL evicts sessions with no subscribers and no emissions
	// for this long.
	SessionIdleTTL time.Duration
}

// Bus fans events out to session subscribers and retains them for replay.
type Bus struct {
	opts Options
	log  *zap.Logger
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	// lastSeq remembers the final sequence assigned to an evicted session.
	// Recreation resumes from it, so a session's sequence space is
	// monotonic for the whole process lifetime and a reconnect after
	// eviction is judged against real history, not a fresh counter.
	lastSeq map[string]int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type session struct {
	id string

	mu       sync.Mutex
	nextSeq  int64 // next sequence to assign
	firstSeq int64 // sequence of the oldest retained event
	events   []models.Event
	subs     map[*subscriber]struct{}
	lastEmit time.Time
}

type subscriber struct {
	ch     chan models.Event
	closed bool
}

// New constructs a bus. Call Start to run the heartbeat/eviction loop.
func New(opts Options, log *zap.Logger) *Bus {
	if opts.Retention <= 0 {
		opts.Retention = 1000
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.SessionIdleTTL <= 0 {
		opts.SessionIdleTTL = time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		opts:     opts,
		log:      log,
		now:      time.Now,
		sessions: make(map[string]*session),
		lastSeq:  make(map[string]int64),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background heartbeat and session eviction loop.
func (b *Bus) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.opts.HeartbeatInterval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.tick(b.now())
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the background loop and closes all subscriber channels.
func (b *Bus) Stop() {
	close(b.stopCh)
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.sessions {
		s.mu.Lock()
		for sub := range s.subs {
			sub.close()
			delete(s.subs, sub)
		}
		s.mu.Unlock()
		delete(b.sessions, id)
	}
}

// Emit assigns the next sequence for the session, appends the event to the
// retained log, and delivers it to every live subscriber without blocking.
// A subscriber whose channel is full is disconnected rather than stalling
// the emitter.
func (b *Bus) Emit(sessionID, eventType string, data any, message string) models.Event {
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			b.log.Warn("event data not serializable", zap.String("session", sessionID),
				zap.String("type", eventType), zap.Error(err))
			raw = nil
		}
	}
	s := b.getOrCreate(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitLocked(b, eventType, raw, message)
}

// emitLocked appends and fans out under the session lock.
func (s *session) emitLocked(b *Bus, eventType string, data json.RawMessage, message string) models.Event {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	ev := models.Event{
		Type:      eventType,
		SessionID: s.id,
		Sequence:  s.nextSeq,
		Timestamp: b.now().UTC(),
		Data:      data,
		Message:   message,
	}
	s.nextSeq++
	s.lastEmit = b.now()

	s.events = append(s.events, ev)
	if len(s.events) > b.opts.Retention {
		// Drop the oldest half in one step to avoid trimming on every emit.
		keep := len(s.events) / 2
		s.events = append([]models.Event(nil), s.events[len(s.events)-keep:]...)
		s.firstSeq = s.events[0].Sequence
	}

	for sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			// Slow consumer: evict instead of blocking the emitter. The
			// client resumes through Subscribe with its last sequence.
			delete(s.subs, sub)
			sub.close()
			telemetry.SubscribersDropped.Inc()
			b.log.Warn("disconnected slow subscriber",
				zap.String("session", s.id), zap.Int64("sequence", ev.Sequence))
		}
	}

	telemetry.EventsEmitted.Inc()
	return ev
}

// Subscribe returns a channel of events with sequence > sinceSeq: retained
// history first, then live events until ctx is cancelled or the bus stops.
// The boolean is false when sinceSeq predates retained history — the caller
// saw a gap and should treat the stream as a hard resync, not a resume.
func (b *Bus) Subscribe(ctx context.Context, sessionID string, sinceSeq int64) (<-chan models.Event, bool) {
	s := b.getOrCreate(sessionID)

	s.mu.Lock()
	complete := sinceSeq+1 >= s.firstSeq

	var replay []models.Event
	for _, ev := range s.events {
		if ev.Sequence > sinceSeq {
			replay = append(replay, ev)
		}
	}

	sub := &subscriber{ch: make(chan models.Event, len(replay)+b.opts.SubscriberBuffer)}
	for _, ev := range replay {
		sub.ch <- ev // fits: channel sized for the replay
	}
	s.subs[sub] = struct{}{}
	telemetry.SubscribersActive.Inc()
	s.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-ctx.Done():
		case <-b.stopCh:
		}
		s.mu.Lock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			sub.close()
		}
		s.mu.Unlock()
	}()

	return sub.ch, complete
}

// close is called with the owning session lock held (or during Stop, when no
// emitter can be running), so a send can never race the close.
func (sub *subscriber) close() {
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
		telemetry.SubscribersActive.Dec()
	}
}

// OldestRetained reports the sequence of the oldest retained event for a
// session, or 0 when the session is unknown. Used by transports to tell a
// gapped client where the stream now begins.
func (b *Bus) OldestRetained(sessionID string) int64 {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return 0
	}
	return s.firstSeq
}

func (b *Bus) getOrCreate(sessionID string) *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		next := b.lastSeq[sessionID] + 1
		s = &session{
			id:       sessionID,
			nextSeq:  next,
			firstSeq: next,
			subs:     make(map[*subscriber]struct{}),
			lastEmit: b.now(),
		}
		b.sessions[sessionID] = s
	}
	return s
}

// tick synthesizes heartbeats for quiet sessions with live subscribers and
// evicts sessions nobody has touched in SessionIdleTTL.
func (b *Bus) tick(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.sessions {
		s.mu.Lock()
		switch {
		case len(s.subs) > 0 && now.Sub(s.lastEmit) >= b.opts.HeartbeatInterval:
			s.emitLocked(b, models.EventHeartbeat, nil, "")
		case len(s.subs) == 0 && now.Sub(s.lastEmit) >= b.opts.SessionIdleTTL:
			if s.nextSeq > 1 {
				b.lastSeq[id] = s.nextSeq - 1
			}
			delete(b.sessions, id)
		}
		s.mu.Unlock()
	}
}
