package api

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/histo-embed/server/internal/dataset"
)

// Snapshot is a built dataset together with the load that produced it.
type Snapshot struct {
	Dataset  *dataset.Dataset
	Report   *dataset.Report
	JobID    string
	CSVPath  string
	LoadedAt time.Time
}

// Session holds the dataset currently served. A finished load replaces the
// snapshot atomically; requests keep using the snapshot they started with.
type Session struct {
	title   string
	current atomic.Pointer[Snapshot]

	mu      sync.Mutex
	loading map[string]struct{}
}

// NewSession creates an empty session.
func NewSession(title string) *Session {
	return &Session{title: title, loading: make(map[string]struct{})}
}

// Title returns the configured site title.
func (s *Session) Title() string {
	if s.title != "" {
		return s.title
	}
	return "histo-embed"
}

// Current returns the served snapshot, or nil before the first load.
func (s *Session) Current() *Snapshot {
	return s.current.Load()
}

// Swap installs snap as the served snapshot.
func (s *Session) Swap(snap *Snapshot) {
	s.current.Store(snap)
}

// BeginLoad records jobID as running.
func (s *Session) BeginLoad(jobID string) {
	s.mu.Lock()
	s.loading[jobID] = struct{}{}
	s.mu.Unlock()
}

// EndLoad clears jobID.
func (s *Session) EndLoad(jobID string) {
	s.mu.Lock()
	delete(s.loading, jobID)
	s.mu.Unlock()
}

// Loading reports whether any load is running.
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loading) > 0
}
