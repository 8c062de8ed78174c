// Package gateway connects chat platforms to the supervisor. Each chat maps
// to one session, named "<platform>:<chat id>".
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rahul/vibe/internal/agent"
)

// Messenger defines the interface for communication gateways (Telegram, Discord, etc.)
type Messenger interface {
	// Start listens for messages until ctx is done.
	Start(ctx context.Context) error
	// Send delivers text to the chat behind a session id.
	Send(sessionID string, text string) error
	Stop() error
	Platform() string
}

// Supervisor is the part of agent.Supervisor the gateways drive.
type Supervisor interface {
	Run(ctx context.Context, sessionID, message string) (agent.Result, error)
	Cancel(sessionID string) bool
}

var ErrUnknownPlatform = errors.New("gateway: no messenger for session")

func SessionID(platform, chatID string) string {
	return platform + ":" + chatID
}

// ParseSessionID splits a gateway session id into platform and chat id.
func ParseSessionID(sessionID string) (platform, chatID string, ok bool) {
	platform, chatID, ok = strings.Cut(sessionID, ":")
	if !ok || platform == "" || chatID == "" {
		return "", "", false
	}
	return platform, chatID, true
}

// Hub routes outgoing messages to the messenger owning the session's
// platform. It satisfies agent.Messenger for the scheduler.
type Hub struct {
	mu         sync.RWMutex
	messengers map[string]Messenger
}

func NewHub(messengers ...Messenger) *Hub {
	h := &Hub{messengers: make(map[string]Messenger)}
	for _, m := range messengers {
		h.Add(m)
	}
	return h
}

func (h *Hub) Add(m Messenger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messengers[m.Platform()] = m
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messengers)
}

func (h *Hub) Send(sessionID, text string) error {
	platform, _, ok := ParseSessionID(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, sessionID)
	}
	h.mu.RLock()
	m, ok := h.messengers[platform]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, sessionID)
	}
	return m.Send(sessionID, text)
}

// Stop stops every messenger and returns the first error.
func (h *Hub) Stop() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var first error
	for _, m := range h.messengers {
		if err := m.Stop(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

const helpText = "Send me a research request and I'll plan it, research it and write it up.\n" +
	"/stop cancels the request in progress."

// Handle turns one incoming chat message into a reply.
func Handle(ctx context.Context, sup Supervisor, sessionID, text string) string {
	text = strings.TrimSpace(text)
	switch strings.ToLower(text) {
	case "":
		return ""
	case "/start", "/help":
		return helpText
	case "/stop", "/cancel":
		if sup.Cancel(sessionID) {
			return "Stopping after the current step."
		}
		return "Nothing is running."
	}
	return Reply(sup.Run(ctx, sessionID, text))
}

// Reply renders a run result as chat text.
func Reply(res agent.Result, err error) string {
	switch {
	case errors.Is(err, agent.ErrSessionBusy):
		return "I'm still working on your previous request. Send /stop to cancel it."
	case err == nil && strings.TrimSpace(res.Answer) != "":
		return res.Answer
	case err == nil:
		return "Done."
	}
	switch agent.KindOf(err) {
	case agent.KindCancelled:
		return "Stopped."
	case agent.KindLoopGuard:
		return "I couldn't finish this within my step limit. Here's where I got to:\n\n" + orNone(res.Answer)
	case agent.KindNoViableRoute:
		return "I'm not sure what to do next. Could you rephrase the request?"
	default:
		return "I'm having trouble thinking right now..."
	}
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(nothing yet)"
	}
	return s
}

// chunk splits text into pieces of at most limit bytes, preferring line
// breaks and never splitting a UTF-8 sequence.
func chunk(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var out []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
			for cut > 0 && !isRuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		out = append(out, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
