package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// auditEntry records one administrative or settlement call. Deposits are never
// audited so that depositor addresses stay out of the trail.
type auditEntry struct {
	Time       time.Time `json:"time"`
	Caller     string    `json:"caller"`
	Action     string    `json:"action"`
	Symbol     string    `json:"symbol,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
}

// auditLog keeps the newest max entries in memory and appends each one to an
// optional sink as a JSON line.
type auditLog struct {
	mu      sync.Mutex
	entries []auditEntry
	max     int
	sink    io.Writer
}

func newAuditLog(max int, sink io.Writer) *auditLog {
	if max <= 0 {
		max = 200
	}
	return &auditLog{max: max, sink: sink}
}

func (l *auditLog) add(entry auditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	if l.sink == nil {
		return nil
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = l.sink.Write(append(b, '\n'))
	return err
}

// recent returns up to limit entries, newest last.
func (l *auditLog) recent(limit int) []auditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]auditEntry, limit)
	copy(out, l.entries[len(l.entries)-limit:])
	return out
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// audited records action after next has answered. It must run inside
// authenticate so the caller is known.
func (h *handler) audited(action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		err := h.audit.add(auditEntry{
			Time:       time.Now().UTC(),
			Caller:     subjectFrom(r.Context()).String(),
			Action:     action,
			Symbol:     mux.Vars(r)["symbol"],
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     sw.status,
			RemoteAddr: r.RemoteAddr,
		})
		if err != nil {
			h.log.WithError(err).WithField("action", action).Warn("write audit entry")
		}
	}
}
