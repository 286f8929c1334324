package logtail

import (
	"strings"
	"sync"

	"github.com/homelabird/s3desk-telemetry/internal/model"
)

// Cursor tracks how much of one job's log a client has consumed: the byte
// offset of the next fetch and the bytes received after the last full line
// terminator, kept verbatim until the rest of the line arrives.
type Cursor struct {
	JobID     string
	Offset    int64
	Remainder string
}

// Advance consumes one fetched chunk. It returns the complete lines the chunk
// finished, trimmed of trailing whitespace with empty lines dropped, and
// whether the server reported an offset below the cursor (log truncated or
// rotated). On truncation the cursor adopts the new offset and the remainder
// is discarded; no lines are emitted for that chunk.
func (c *Cursor) Advance(chunk model.LogChunk) (lines []string, truncated bool) {
	if chunk.NextOffset < c.Offset {
		c.Offset = chunk.NextOffset
		c.Remainder = ""
		return nil, true
	}
	if chunk.NextOffset == c.Offset || chunk.Text == "" {
		return nil, false
	}

	parts := strings.Split(c.Remainder+chunk.Text, "\n")
	c.Remainder = parts[len(parts)-1]
	c.Offset = chunk.NextOffset

	for _, line := range parts[:len(parts)-1] {
		line = strings.TrimRight(line, " \t\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, false
}

// CursorStore holds one cursor per job with an open log view.
type CursorStore struct {
	mu      sync.Mutex
	cursors map[string]*Cursor
}

// NewCursorStore creates an empty store.
func NewCursorStore() *CursorStore {
	return &CursorStore{cursors: make(map[string]*Cursor)}
}

// Open creates the cursor for the job at offset zero if absent.
func (s *CursorStore) Open(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cursors[jobID]; !ok {
		s.cursors[jobID] = &Cursor{JobID: jobID}
	}
}

// Advance applies one fetched chunk to the job's cursor. See Cursor.Advance.
// A chunk for a job without a cursor is discarded; that happens when a
// response lands after the view was closed.
func (s *CursorStore) Advance(jobID string, chunk model.LogChunk) (lines []string, truncated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cursors[jobID]
	if !ok {
		return nil, false
	}
	return c.Advance(chunk)
}

// Offset returns the byte offset the next fetch for the job should start at.
func (s *CursorStore) Offset(jobID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cursors[jobID]; ok {
		return c.Offset
	}
	return 0
}

// Get returns a snapshot of the job's cursor.
func (s *CursorStore) Get(jobID string) (Cursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cursors[jobID]
	if !ok {
		return Cursor{}, false
	}
	return *c, true
}

// Delete drops the job's cursor.
func (s *CursorStore) Delete(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cursors, jobID)
}
