package trace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func emitN(t *testing.T, e *Emitter, sessionID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := e.Emit(context.Background(), sessionID, KindToolInvoked, ToolInvoked{Tool: "web_search"}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
}

func receive(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed after %d events", len(got))
			}
			got = append(got, evt)
		case <-timeout:
			t.Fatalf("timed out after %d/%d events", len(got), n)
		}
	}
	return got
}

func TestEmitAssignsGaplessSequence(t *testing.T) {
	e := NewEmitter(NewMemoryLog(), nil)

	emitN(t, e, "s1", 3)
	emitN(t, e, "s2", 2)
	emitN(t, e, "s1", 2)

	for sid, want := range map[string]int64{"s1": 5, "s2": 2} {
		last, err := e.LastSeq(context.Background(), sid)
		if err != nil {
			t.Fatalf("LastSeq: %v", err)
		}
		if last != want {
			t.Errorf("%s: expected last seq %d, got %d", sid, want, last)
		}
	}
}

func TestEmitRejectsUnknownKind(t *testing.T) {
	e := NewEmitter(nil, nil)
	if _, err := e.Emit(context.Background(), "s1", "token", nil); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestResumeAfterSeqReplaysThenLive(t *testing.T) {
	e := NewEmitter(NewMemoryLog(), nil)
	emitN(t, e, "s1", 7)

	sub, err := e.Subscribe(context.Background(), "s1", 3)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	got := receive(t, sub, 4)
	for i, evt := range got {
		if evt.Seq != int64(4+i) {
			t.Fatalf("event %d: expected seq %d, got %d", i, 4+i, evt.Seq)
		}
	}

	emitN(t, e, "s1", 1)
	live := receive(t, sub, 1)
	if live[0].Seq != 8 {
		t.Fatalf("expected live seq 8, got %d", live[0].Seq)
	}
}

func TestSubscribersAttachingMidRunSeeEverything(t *testing.T) {
	e := NewEmitter(NewMemoryLog(), nil)
	const total = 200

	var wg sync.WaitGroup
	results := make([][]Event, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if _, err := e.Emit(context.Background(), "s1", KindPlanUpdated, PlanUpdated{}); err != nil {
				t.Errorf("emit: %v", err)
				return
			}
		}
	}()

	for i := range results {
		sub, err := e.Subscribe(context.Background(), "s1", 0)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		results[i] = receive(t, sub, total)
		sub.Close()
	}
	wg.Wait()

	for i, events := range results {
		for j, evt := range events {
			if evt.Seq != int64(j+1) {
				t.Fatalf("subscriber %d: position %d has seq %d", i, j, evt.Seq)
			}
		}
	}
}

func TestClosedSubscriptionStopsReceiving(t *testing.T) {
	e := NewEmitter(NewMemoryLog(), nil)
	sub, err := e.Subscribe(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub.Close()

	emitN(t, e, "s1", 3)

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("received event after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Close")
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	e := NewEmitter(NewMemoryLog(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := e.Subscribe(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed on context cancel")
	}
}

type failingLog struct {
	*MemoryLog
	fail bool
}

func (f *failingLog) AppendEvent(ctx context.Context, evt Event) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryLog.AppendEvent(ctx, evt)
}

func TestFailedAppendDoesNotConsumeSequence(t *testing.T) {
	log := &failingLog{MemoryLog: NewMemoryLog()}
	e := NewEmitter(log, nil)

	emitN(t, e, "s1", 2)
	log.fail = true
	if _, err := e.Emit(context.Background(), "s1", KindError, Error{Kind: "x"}); err == nil {
		t.Fatal("expected append failure")
	}
	log.fail = false

	evt, err := e.Emit(context.Background(), "s1", KindRunComplete, RunComplete{})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if evt.Seq != 3 {
		t.Fatalf("expected seq 3 after failed append, got %d", evt.Seq)
	}
}

func (e *Emitter) trackedStreams() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

func TestIdleSessionsAreDropped(t *testing.T) {
	e := NewEmitter(NewMemoryLog(), nil)
	for _, sid := range []string{"a", "b", "c"} {
		emitN(t, e, sid, 2)
	}
	if n := e.trackedStreams(); n != 0 {
		t.Fatalf("expected no tracked sessions after emits, got %d", n)
	}

	sub, err := e.Subscribe(context.Background(), "a", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if n := e.trackedStreams(); n != 1 {
		t.Fatalf("expected the subscribed session to be tracked, got %d", n)
	}
	receive(t, sub, 2)

	// Numbering continues from the log after the state was dropped.
	emitN(t, e, "a", 1)
	if got := receive(t, sub, 1); got[0].Seq != 3 {
		t.Fatalf("expected seq 3, got %d", got[0].Seq)
	}
	sub.Close()
	if n := e.trackedStreams(); n != 0 {
		t.Fatalf("expected session dropped after Close, got %d", n)
	}

	evt, err := e.Emit(context.Background(), "a", KindRunComplete, RunComplete{})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if evt.Seq != 4 {
		t.Fatalf("expected seq 4 after reload, got %d", evt.Seq)
	}
}

func TestConcurrentEmitsStayGaplessAcrossDrops(t *testing.T) {
	e := NewEmitter(NewMemoryLog(), nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				if _, err := e.Emit(context.Background(), "s1", KindToolInvoked, ToolInvoked{}); err != nil {
					t.Errorf("emit: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	events, err := e.log.Events(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 200 {
		t.Fatalf("expected 200 events, got %d", len(events))
	}
	for i, evt := range events {
		if evt.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, evt.Seq)
		}
	}
}
