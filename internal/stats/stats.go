// Package stats implements Stats & Admin (C9): live throughput/request
// counters plus a rolling 10-second speed window, exposed as the JSON shape
// of §6.3. The rolling-window idiom (a trimmed slice of timestamped
// samples) is grounded on the teacher's access-time-ordered bookkeeping in
// cache/manager.go, generalized from "per-torrent last access" to "recent
// byte-transfer samples"; the humanized byte formatting follows the same
// dustin/go-humanize usage avogabo-EDRmount and jmylchreest-tvarr pull in
// for operator-facing output.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/krizcold/videoproxy/internal/originstate"
	"github.com/krizcold/videoproxy/internal/segcache"
)

// window is how far back the rolling throughput sample list reaches.
const window = 10 * time.Second

type sample struct {
	at    time.Time
	bytes int64
}

// ActiveRequest is the per-inbound-request observability record: created at
// router entry, removed on every exit path.
type ActiveRequest struct {
	ID          string
	Method      string
	URL         string
	StartAt     time.Time
	ClientRange string
}

// Stats is the process-wide counter set. Scalar counters are atomic; the
// rolling-window sample list and the active-request table are each guarded
// by their own mutex, matching the shared-resource table in §5.
type Stats struct {
	totalBytes    atomic.Int64
	totalRequests atomic.Int64
	rangeRequests atomic.Int64
	startedAt     time.Time

	mu      sync.Mutex
	samples []sample

	amu    sync.Mutex
	active map[string]ActiveRequest
}

// New creates a Stats with counters at zero and the uptime clock started.
func New() *Stats {
	return &Stats{startedAt: time.Now(), active: make(map[string]ActiveRequest)}
}

// BeginRequest registers an ActiveRequest entry and returns a func to call
// on every exit path — including panics, via defer — to release it. This is
// the "guaranteed release" discipline of §5; the release is idempotent.
func (s *Stats) BeginRequest(method, url, clientRange string) func() {
	s.totalRequests.Add(1)
	id := uuid.NewString()
	s.amu.Lock()
	s.active[id] = ActiveRequest{ID: id, Method: method, URL: url, StartAt: time.Now(), ClientRange: clientRange}
	s.amu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.amu.Lock()
			delete(s.active, id)
			s.amu.Unlock()
		})
	}
}

// Active returns the in-flight request records, oldest first.
func (s *Stats) Active() []ActiveRequest {
	s.amu.Lock()
	out := make([]ActiveRequest, 0, len(s.active))
	for _, r := range s.active {
		out = append(out, r)
	}
	s.amu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out
}

func (s *Stats) activeCount() int {
	s.amu.Lock()
	defer s.amu.Unlock()
	return len(s.active)
}

// RecordRangeRequest increments the count of requests that carried a Range
// header and were routed to the Streaming Range Engine.
func (s *Stats) RecordRangeRequest() {
	s.rangeRequests.Add(1)
}

// RecordBytes adds n bytes to the total transferred counter and the rolling
// throughput window. Called from every chunk written to a client, video or
// otherwise.
func (s *Stats) RecordBytes(n int64) {
	if n <= 0 {
		return
	}
	s.totalBytes.Add(n)

	now := time.Now()
	s.mu.Lock()
	s.samples = append(s.samples, sample{at: now, bytes: n})
	s.trimLocked(now)
	s.mu.Unlock()
}

// trimLocked drops samples older than window. Must be called with mu held.
func (s *Stats) trimLocked(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(s.samples) && s.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = s.samples[i:]
	}
}

// currentSpeed returns bytes/second observed over the rolling window.
func (s *Stats) currentSpeed() float64 {
	now := time.Now()
	s.mu.Lock()
	s.trimLocked(now)
	var total int64
	for _, sm := range s.samples {
		total += sm.bytes
	}
	n := len(s.samples)
	s.mu.Unlock()

	if n == 0 {
		return 0
	}
	return float64(total) / window.Seconds()
}

// CacheSnapshot is the §6.3 "cache" sub-object.
type CacheSnapshot struct {
	MetadataEntries int     `json:"metadataEntries"`
	RedirectEntries int     `json:"redirectEntries"`
	SegmentEntries  int     `json:"segmentEntries"`
	SegmentBytes    int64   `json:"segmentBytes"`
	HitRate         float64 `json:"hitRate"`
}

// Snapshot is the full §6.3 GET /api/stats response body.
type Snapshot struct {
	TotalRequests         int64         `json:"totalRequests"`
	ActiveRequests        int64         `json:"activeRequests"`
	TotalBytesTransferred int64         `json:"totalBytesTransferred"`
	CurrentSpeed          float64       `json:"currentSpeed"`
	RangeRequests         int64         `json:"rangeRequests"`
	UptimeMS              int64         `json:"uptime"`
	FormattedSpeed        string        `json:"formattedSpeed"`
	FormattedTotal        string        `json:"formattedTotal"`
	Cache                 CacheSnapshot `json:"cache"`
}

// Snapshot renders a point-in-time view of all counters plus the live state
// of the metadata, redirect and segment caches.
func (s *Stats) Snapshot(metadata *originstate.MetadataCache, redirects *originstate.RedirectCache, segments *segcache.Cache) Snapshot {
	speed := s.currentSpeed()
	total := s.totalBytes.Load()
	segStats := segments.Snapshot()

	return Snapshot{
		TotalRequests:         s.totalRequests.Load(),
		ActiveRequests:        int64(s.activeCount()),
		TotalBytesTransferred: total,
		CurrentSpeed:          speed,
		RangeRequests:         s.rangeRequests.Load(),
		UptimeMS:              time.Since(s.startedAt).Milliseconds(),
		FormattedSpeed:        humanize.Bytes(uint64(speed)) + "/s",
		FormattedTotal:        humanize.Bytes(uint64(total)),
		Cache: CacheSnapshot{
			MetadataEntries: metadata.Len(),
			RedirectEntries: redirects.Len(),
			SegmentEntries:  segStats.Segments,
			SegmentBytes:    segStats.Bytes,
			HitRate:         segStats.HitRate(),
		},
	}
}
