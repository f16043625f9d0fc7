package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Action names one auditable thing a component did.
type Action string

const (
	ActionDispatch     Action = "dispatch"
	ActionRetry        Action = "retry"
	ActionValidatePass Action = "validate-pass"
	ActionValidateFail Action = "validate-fail"
	ActionComplete     Action = "complete"
	ActionAbort        Action = "abort"

	// ActionItemFailed records one sub-unit of a stage (a source, a
	// summary) failing permanently while the stage itself carries on.
	ActionItemFailed Action = "item-failed"
)

// Entry is one immutable fact about the system's behavior. Entries are
// ordered by Seq, which increases strictly across the whole process, not
// per job.
type Entry struct {
	Seq       int64     `json:"seq"`
	JobID     string    `json:"job_id"`
	Actor     string    `json:"actor"`
	Action    Action    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// Logger appends entries to a single writer. The append path is the one
// serialization point shared by all jobs: the mutex both assigns sequence
// numbers and orders the writes, so no two entries ever share a Seq even
// under concurrent writers. Nothing ever rewrites what was appended.
type Logger struct {
	mu   sync.Mutex
	w    io.Writer
	file *os.File
	seq  int64
	path string
}

// Open appends to the JSONL file at path, creating it if absent. The
// sequence continues from the last entry already in the file so a restart
// never reuses a number.
func Open(path string) (*Logger, error) {
	last, err := lastSeq(path)
	if err != nil {
		return nil, fmt.Errorf("scan existing audit log: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Logger{w: f, file: f, seq: last, path: path}, nil
}

// NewWriterLogger appends to an arbitrary writer. Used by tests and by the
// one-shot CLI, which audits to stderr-adjacent buffers.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{w: w}
}

// Record assigns the next sequence number and durably appends the entry,
// returning only once it is ordered in the log.
func (l *Logger) Record(jobID, actor string, action Action, detail string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e := Entry{
		Seq:       l.seq,
		JobID:     jobID,
		Actor:     actor,
		Action:    action,
		Timestamp: time.Now().UTC(),
		Detail:    detail,
	}
	b, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := l.w.Write(append(b, '\n')); err != nil {
		return Entry{}, fmt.Errorf("append audit entry: %w", err)
	}
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return Entry{}, fmt.Errorf("sync audit log: %w", err)
		}
	}
	return e, nil
}

// Close closes the underlying file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Replay streams entries from r in log order. fn returning an error stops
// the replay.
func Replay(r io.Reader, fn func(Entry) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("audit log line %d: %w", line, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReplayFile replays the log file at path.
func ReplayFile(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Replay(f, fn)
}

// ReconstructStatus derives a job's final status purely from its audit
// entries, in replay order. Stage actors also write complete entries, so
// only the dispatcher's complete is terminal; abort is always terminal. A
// log that ends mid-stage reconstructs as still running, which is exactly
// the ambiguity a crash leaves.
func ReconstructStatus(entries []Entry, jobID string) string {
	status := "pending"
	for _, e := range entries {
		if e.JobID != jobID {
			continue
		}
		switch e.Action {
		case ActionDispatch:
			status = "running"
		case ActionRetry:
			status = "retrying"
		case ActionComplete:
			if e.Actor == "dispatcher" {
				status = "completed"
			}
		case ActionAbort:
			status = "failed"
		}
	}
	return status
}

func lastSeq(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	var last int64
	err = Replay(f, func(e Entry) error {
		if e.Seq <= last {
			return fmt.Errorf("sequence regressed at %d", e.Seq)
		}
		last = e.Seq
		return nil
	})
	return last, err
}
