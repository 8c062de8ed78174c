package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rahul/vibe/internal/agent"
	"github.com/rahul/vibe/internal/store"
	"github.com/rahul/vibe/internal/trace"
)

const (
	maxChatBody = 1 << 20
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = 25 * time.Second

	settleWait = 2 * time.Second
	settlePoll = 10 * time.Millisecond
)

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ndjson writes one JSON value per line and flushes after each.
type ndjson struct {
	w   http.ResponseWriter
	enc *json.Encoder
}

func newNDJSON(w http.ResponseWriter) *ndjson {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	return &ndjson{w: w, enc: json.NewEncoder(w)}
}

func (n *ndjson) write(v any) error {
	if err := n.enc.Encode(v); err != nil {
		return err
	}
	if f, ok := n.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// handleChat starts a run and streams its events until the terminal one.
// The run keeps going if the client disconnects.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxChatBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if s.sup.IsRunning(req.SessionID) {
		writeError(w, http.StatusConflict, agent.ErrSessionBusy.Error())
		return
	}

	ctx := r.Context()
	after, err := s.emitter.LastSeq(ctx, req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sub, err := s.emitter.Subscribe(ctx, req.SessionID, after)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sub.Close()

	type outcome struct {
		res agent.Result
		err error
	}
	done := make(chan outcome, 1)
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		res, err := s.sup.Run(s.baseCtx, req.SessionID, req.Message)
		done <- outcome{res, err}
	}()

	w.Header().Set("X-Session-ID", req.SessionID)
	out := newNDJSON(w)
	w.WriteHeader(http.StatusOK)

	// last is the final seq of the run once it has returned; every event up
	// to it is already queued on the subscription.
	var last int64 = -1
	var seen int64 = after
	events := sub.C
	for {
		if last >= 0 && seen >= last {
			return
		}
		select {
		case <-ctx.Done():
			return
		case o := <-done:
			if errors.Is(o.err, agent.ErrSessionBusy) || errors.Is(o.err, agent.ErrEmptySessionID) {
				_ = out.write(map[string]string{"kind": string(trace.KindError), "error": o.err.Error()}) //nolint:errcheck
				return
			}
			if last, err = s.emitter.LastSeq(s.baseCtx, req.SessionID); err != nil {
				s.logger.Error("failed to read last seq", "session_id", req.SessionID, "error", err)
				return
			}
			done = nil
		case evt, ok := <-events:
			if !ok {
				return
			}
			seen = evt.Seq
			if err := out.write(evt); err != nil {
				return
			}
			if evt.Kind.Terminal() {
				return
			}
		}
	}
}

func parseAfter(r *http.Request) (int64, error) {
	v := r.URL.Query().Get("after")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("after must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) sessionExists(w http.ResponseWriter, r *http.Request, id string) bool {
	if _, err := s.store.Get(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return false
	}
	return true
}

// handleEvents replays events after ?after=N and then follows live ones.
// The stream ends after the terminal event of the latest run once that run
// has released the session.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	after, err := parseAfter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.sessionExists(w, r, id) {
		return
	}

	sub, err := s.emitter.Subscribe(r.Context(), id, after)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sub.Close()

	out := newNDJSON(w)
	w.WriteHeader(http.StatusOK)
	for evt := range sub.C {
		if err := out.write(evt); err != nil {
			return
		}
		if evt.Kind.Terminal() && s.settled(r.Context(), id, evt.Seq) {
			return
		}
	}
}

// settled reports whether the run that emitted the terminal event at seq has
// released the session with nothing logged after it. The supervisor emits
// the terminal event just before it releases the session, so this waits up
// to settleWait for the release. A session that stays busy belongs to a new
// run and keeps the stream open.
func (s *Server) settled(ctx context.Context, id string, seq int64) bool {
	poll := time.NewTicker(settlePoll)
	defer poll.Stop()
	deadline := time.NewTimer(settleWait)
	defer deadline.Stop()

	for s.sup.IsRunning(id) {
		select {
		case <-ctx.Done():
			return true
		case <-deadline.C:
			return false
		case <-poll.C:
		}
	}
	last, err := s.emitter.LastSeq(ctx, id)
	return err == nil && last == seq
}

type wsCommand struct {
	Type string `json:"type"`
}

// handleWebsocket streams the same events as handleEvents as text frames.
// A {"type":"cancel"} frame from the client cancels the active run.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	after, err := parseAfter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.sessionExists(w, r, id) {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session_id", id, "error", err)
		return
	}
	defer conn.Close()

	sub, err := s.emitter.Subscribe(r.Context(), id, after)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed")) //nolint:errcheck
		return
	}
	defer sub.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			var cmd wsCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			if cmd.Type == "cancel" {
				s.sup.Cancel(id)
			}
		}
	}()

	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}
