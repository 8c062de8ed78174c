package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrUnknownKind = errors.New("trace: unknown event kind")

// Emitter appends events to a Log and fans them out to live subscribers.
// Appends for one session are serialized; sessions do not share a lock.
type Emitter struct {
	log    Log
	logger *slog.Logger
	now    func() time.Time

	// OnEmit, when set, is called after every successful append.
	OnEmit func(Event)

	mu      sync.Mutex
	streams map[string]*stream
}

// stream is the per-session state. It lives in Emitter.streams only while
// something holds it: an emit in progress or an open subscription. Once
// dropped, the next use reloads lastSeq from the log.
type stream struct {
	refs int // guarded by Emitter.mu

	mu      sync.Mutex
	loaded  bool
	lastSeq int64
	subs    map[*Subscription]struct{}
}

func NewEmitter(log Log, logger *slog.Logger) *Emitter {
	if log == nil {
		log = NewMemoryLog()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		log:     log,
		logger:  logger.With("component", "trace"),
		now:     time.Now,
		streams: make(map[string]*stream),
	}
}

func (e *Emitter) acquire(sessionID string) *stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.streams[sessionID]
	if !ok {
		s = &stream{subs: make(map[*Subscription]struct{})}
		e.streams[sessionID] = s
	}
	s.refs++
	return s
}

func (e *Emitter) release(sessionID string, s *stream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s.refs--
	if s.refs == 0 && e.streams[sessionID] == s {
		delete(e.streams, sessionID)
	}
}

// Emit assigns the next sequence number, persists the event and pushes it to
// subscribers. A failed append does not consume a sequence number.
func (e *Emitter) Emit(ctx context.Context, sessionID string, kind Kind, payload any) (Event, error) {
	if !ValidKind(kind) {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	s := e.acquire(sessionID)
	defer e.release(sessionID, s)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		last, err := e.log.LastSeq(ctx, sessionID)
		if err != nil {
			return Event{}, fmt.Errorf("load last seq: %w", err)
		}
		s.lastSeq = last
		s.loaded = true
	}

	evt := Event{
		Seq:       s.lastSeq + 1,
		SessionID: sessionID,
		Kind:      kind,
		Payload:   raw,
		Timestamp: e.now().UTC(),
	}
	if err := e.log.AppendEvent(ctx, evt); err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	s.lastSeq = evt.Seq

	for sub := range s.subs {
		sub.push(evt)
	}
	if e.OnEmit != nil {
		e.OnEmit(evt)
	}
	e.logger.Debug("event emitted", "session_id", sessionID, "seq", evt.Seq, "kind", kind)
	return evt, nil
}

// Subscribe attaches a consumer that first receives every logged event with
// seq > afterSeq and then live events, without gaps or duplicates.
func (e *Emitter) Subscribe(ctx context.Context, sessionID string, afterSeq int64) (*Subscription, error) {
	s := e.acquire(sessionID)
	s.mu.Lock()
	history, err := e.log.Events(ctx, sessionID, afterSeq)
	if err != nil {
		s.mu.Unlock()
		e.release(sessionID, s)
		return nil, fmt.Errorf("replay events: %w", err)
	}

	sub := newSubscription(history)
	sub.detach = func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		e.release(sessionID, s)
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.pump()
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Close()
			case <-sub.done:
			}
		}()
	}
	return sub, nil
}

// LastSeq returns the highest sequence number logged for the session.
func (e *Emitter) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	s := e.acquire(sessionID)
	defer e.release(sessionID, s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.lastSeq, nil
	}
	return e.log.LastSeq(ctx, sessionID)
}

// Subscription delivers events on C. The queue behind C is unbounded so a
// slow reader never stalls the emitting run.
type Subscription struct {
	C <-chan Event

	out       chan Event
	mu        sync.Mutex
	queue     []Event
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	detach    func()
}

func newSubscription(history []Event) *Subscription {
	out := make(chan Event)
	return &Subscription{
		C:     out,
		out:   out,
		queue: history,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (s *Subscription) push(evt Event) {
	s.mu.Lock()
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, evt := range batch {
			select {
			case s.out <- evt:
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

// Close detaches the subscription; C is closed shortly after.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.detach != nil {
			s.detach()
		}
		close(s.done)
	})
}
