// Package session keeps the tickets handled during the lifetime of one
// service process.
package session

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/triage/internal/llm"
	"github.com/fyrsmithlabs/triage/internal/sla"
	"github.com/fyrsmithlabs/triage/internal/ticket"
	"go.uber.org/zap"
)

// Entry is one processed ticket.
type Entry struct {
	Timestamp      time.Time     `json:"timestamp"`
	Ticket         ticket.Ticket `json:"ticket_data"`
	Summary        llm.Summary   `json:"summary"`
	Response       string        `json:"response"`
	SLAStatus      *sla.Status   `json:"sla_status,omitempty"`
	QualityScore   *float64      `json:"quality_score,omitempty"`
	ProcessingTime float64       `json:"processing_time"`
	RunID          string        `json:"run_id,omitempty"`
	Processed      bool          `json:"processed"`
	Updated        bool          `json:"updated"`
}

// Stats summarises the session.
type Stats struct {
	TotalTickets      int     `json:"total_tickets"`
	BreachedSLA       int     `json:"breached_sla"`
	AvgProcessingTime float64 `json:"avg_processing_time"`
}

// History is an in-memory, insertion-ordered set of entries keyed by
// ticket number. It is safe for concurrent use.
type History struct {
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries []*Entry
	index   map[int]int
}

// New creates an empty History.
func New(logger *zap.Logger) *History {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{
		logger: logger,
		now:    time.Now,
		index:  make(map[int]int),
	}
}

// Add records e. A ticket already in the history is updated in place and
// marked updated; its original ticket data is kept. Add reports whether
// the entry was an update.
func (h *History) Add(e Entry) bool {
	e.Timestamp = h.now().UTC()
	e.Processed = true

	h.mu.Lock()
	defer h.mu.Unlock()

	if i, ok := h.index[e.Ticket.Number]; ok {
		cur := h.entries[i]
		cur.Timestamp = e.Timestamp
		cur.Summary = e.Summary
		cur.Response = e.Response
		cur.SLAStatus = e.SLAStatus
		cur.QualityScore = e.QualityScore
		cur.ProcessingTime = e.ProcessingTime
		cur.RunID = e.RunID
		cur.Processed = true
		cur.Updated = true
		h.logger.Info("updated ticket in session history", zap.Int("ticket_number", e.Ticket.Number))
		return true
	}

	e.Updated = false
	h.index[e.Ticket.Number] = len(h.entries)
	h.entries = append(h.entries, &e)
	h.logger.Info("added ticket to session history", zap.Int("ticket_number", e.Ticket.Number))
	return false
}

// Get returns the entry for ticket n.
func (h *History) Get(n int) (Entry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	i, ok := h.index[n]
	if !ok {
		return Entry{}, false
	}
	return *h.entries[i], true
}

// List returns every entry in insertion order.
func (h *History) List() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Entry, len(h.entries))
	for i, e := range h.entries {
		out[i] = *e
	}
	return out
}

// Search returns entries whose number, title or description contains q,
// ignoring case.
func (h *History) Search(q string) []Entry {
	q = strings.ToLower(strings.TrimSpace(q))

	h.mu.RLock()
	defer h.mu.RUnlock()
	out := []Entry{}
	for _, e := range h.entries {
		if strings.Contains(strconv.Itoa(e.Ticket.Number), q) ||
			strings.Contains(strings.ToLower(e.Ticket.Title), q) ||
			strings.Contains(strings.ToLower(e.Ticket.Description), q) {
			out = append(out, *e)
		}
	}
	return out
}

// Clear removes every entry and returns how many there were.
func (h *History) Clear() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.entries)
	h.entries = nil
	h.index = make(map[int]int)
	h.logger.Info("session history cleared", zap.Int("entries", n))
	return n
}

// Export writes the history to w as indented JSON.
func (h *History) Export(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(h.List()); err != nil {
		return fmt.Errorf("export session history: %w", err)
	}
	return nil
}

// Stats summarises the history.
func (h *History) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Stats{TotalTickets: len(h.entries)}
	if st.TotalTickets == 0 {
		return st
	}
	var total float64
	for _, e := range h.entries {
		if e.SLAStatus != nil && e.SLAStatus.Breached() {
			st.BreachedSLA++
		}
		total += e.ProcessingTime
	}
	st.AvgProcessingTime = total / float64(st.TotalTickets)
	return st
}
