package server

import (
	"encoding/json"
	"errors"
	"html"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/rahul/vibe/internal/knowledge"
	"github.com/rahul/vibe/internal/plan"
	"github.com/rahul/vibe/internal/store"
)

const maxUpload = 10 << 20

var uploadTypes = map[string]struct{}{
	".txt":      {},
	".md":       {},
	".markdown": {},
}

type historyResponse struct {
	SessionID string       `json:"session_id"`
	Plan      plan.Plan    `json:"plan"`
	Turns     []store.Turn `json:"turns"`
	Running   bool         `json:"running"`
	LastSeq   int64        `json:"last_seq"`
}

// handleHistory returns everything a client needs to resume a session:
// the turns, the current plan and the seq to follow events from.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, turns, err := s.store.Load(r.Context(), id)
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	last, err := s.emitter.LastSeq(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if turns == nil {
		turns = []store.Turn{}
	}
	writeJSON(w, http.StatusOK, historyResponse{
		SessionID: id,
		Plan:      p,
		Turns:     turns,
		Running:   s.sup.IsRunning(id),
		LastSeq:   last,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.SessionID = strings.TrimSpace(req.SessionID); req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	sess, err := s.store.Create(r.Context(), req.SessionID)
	if errors.Is(err, store.ErrSessionExists) {
		writeError(w, http.StatusConflict, "session already exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	sessions, err := s.store.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cancelled := s.sup.Cancel(id)
	if cancelled {
		s.logger.Info("run cancellation requested", "session_id", id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "cancelled": cancelled})
}

// handleUpload ingests a plain text or markdown file into the knowledge
// index. Any HTML embedded in the file is stripped first.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.knowledge == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge index is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if _, ok := uploadTypes[ext]; !ok {
		writeError(w, http.StatusUnsupportedMediaType, "only .txt, .md and .markdown files are accepted")
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload: "+err.Error())
		return
	}
	content := strings.TrimSpace(html.UnescapeString(bluemonday.StrictPolicy().Sanitize(string(data))))

	meta := map[string]any{"filename": header.Filename}
	if sid := r.FormValue("session_id"); sid != "" {
		meta["session_id"] = sid
	}
	h, err := s.knowledge.Ingest(r.Context(), knowledge.Document{
		Source:   header.Filename,
		Content:  content,
		Metadata: meta,
	})
	if errors.Is(err, knowledge.ErrEmptyDocument) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("ingest failed", "filename", header.Filename, "error", err)
		writeError(w, http.StatusBadGateway, "ingest failed: "+err.Error())
		return
	}
	s.logger.Info("document ingested", "filename", header.Filename, "id", h.ID, "chunks", h.Chunks)
	writeJSON(w, http.StatusCreated, h)
}
