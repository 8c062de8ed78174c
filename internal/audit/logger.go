// Package audit keeps an append-only JSONL record of every tool invocation
// and routing decision, keyed by session id and a per-session sequence.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RecordType defines the category of an audit record.
type RecordType string

const (
	TypeToolCall RecordType = "tool_call"
	TypeRouting  RecordType = "routing"
	TypeRun      RecordType = "run"
)

var ErrClosed = errors.New("audit: logger closed")

// Record is one line of the audit log.
type Record struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Type      RecordType      `json:"type"`
	Worker    string          `json:"worker,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Output    string          `json:"output,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Decision  string          `json:"decision,omitempty"`
	Iteration int             `json:"iteration,omitempty"`
	Duration  time.Duration   `json:"duration_ns,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Logger appends records to a writer. Each record is encoded up front and
// written with a single Write call under the lock, so records from
// concurrent sessions never interleave.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	closer io.Closer
	seqs   map[string]int64
	now    func() time.Time
	closed bool
}

// NewLogger writes to w. Sequence numbers start at 1 for every session.
func NewLogger(w io.Writer) *Logger {
	return &Logger{out: w, seqs: make(map[string]int64), now: time.Now}
}

// Open appends to the log file at path, creating it if needed. Existing
// records are scanned so numbering continues where the file left off.
func Open(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	records, valid, err := readRecords(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("recover audit log %s: %w", path, err)
	}
	// Drop a torn final line so the next record starts cleanly.
	if info, err := f.Stat(); err == nil && info.Size() > valid {
		if err := f.Truncate(valid); err != nil {
			f.Close()
			return nil, fmt.Errorf("repair audit log: %w", err)
		}
	}

	l := NewLogger(f)
	l.closer = f
	for _, r := range records {
		if r.Seq > l.seqs[r.SessionID] {
			l.seqs[r.SessionID] = r.Seq
		}
	}
	return l, nil
}

// Append assigns the record its id, sequence and timestamp and writes it.
// The sequence is only consumed when the write succeeds.
func (l *Logger) Append(_ context.Context, r Record) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Record{}, ErrClosed
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = l.now()
	}
	r.Timestamp = r.Timestamp.UTC()
	r.Seq = l.seqs[r.SessionID] + 1

	data, err := json.Marshal(r)
	if err != nil {
		return Record{}, fmt.Errorf("marshal audit record: %w", err)
	}
	if _, err := l.out.Write(append(data, '\n')); err != nil {
		return Record{}, fmt.Errorf("write audit record: %w", err)
	}
	l.seqs[r.SessionID] = r.Seq
	return r, nil
}

// Helper methods for common records

func (l *Logger) LogToolCall(ctx context.Context, r Record) error {
	r.Type = TypeToolCall
	_, err := l.Append(ctx, r)
	return err
}

func (l *Logger) LogRouting(ctx context.Context, sessionID, decision, worker string, iteration int) error {
	_, err := l.Append(ctx, Record{
		SessionID: sessionID,
		Type:      TypeRouting,
		Worker:    worker,
		Decision:  decision,
		Iteration: iteration,
	})
	return err
}

func (l *Logger) LogRun(ctx context.Context, sessionID, decision, errKind, errMsg string, iterations int) error {
	_, err := l.Append(ctx, Record{
		SessionID: sessionID,
		Type:      TypeRun,
		Decision:  decision,
		ErrorKind: errKind,
		Error:     errMsg,
		Iteration: iterations,
	})
	return err
}

// LastSeq returns the last sequence number written for a session.
func (l *Logger) LastSeq(sessionID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seqs[sessionID]
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// ReadAll decodes every record in r. A trailing partial line, left by a
// crash mid-write, is ignored.
func ReadAll(r io.Reader) ([]Record, error) {
	records, _, err := readRecords(r)
	return records, err
}

// readRecords also reports the byte length of the complete lines read.
func readRecords(r io.Reader) ([]Record, int64, error) {
	var (
		out   []Record
		valid int64
	)
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			valid += int64(len(line))
			if len(bytes.TrimSpace(line)) > 0 {
				var rec Record
				if uerr := json.Unmarshal(line, &rec); uerr != nil {
					return nil, 0, fmt.Errorf("decode record %d: %w", len(out)+1, uerr)
				}
				out = append(out, rec)
			}
		}
		if errors.Is(err, io.EOF) {
			return out, valid, nil
		}
		if err != nil {
			return nil, 0, err
		}
	}
}
