package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krizcold/videoproxy/internal/originstate"
	"github.com/krizcold/videoproxy/internal/segcache"
)

func TestBeginRequestReleaseIsIdempotent(t *testing.T) {
	s := New()
	release := s.BeginRequest("GET", "/clip.mp4", "bytes=0-99")
	assert.Equal(t, 1, s.activeCount())
	assert.EqualValues(t, 1, s.totalRequests.Load())

	active := s.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "GET", active[0].Method)
	assert.Equal(t, "/clip.mp4", active[0].URL)
	assert.Equal(t, "bytes=0-99", active[0].ClientRange)
	assert.NotEmpty(t, active[0].ID)

	release()
	release() // a second call must not double-delete someone else's entry
	assert.Equal(t, 0, s.activeCount())
	assert.EqualValues(t, 1, s.totalRequests.Load())
}

func TestRecordBytesFeedsSpeedWindow(t *testing.T) {
	s := New()
	assert.Zero(t, s.currentSpeed())

	s.RecordBytes(1000)
	s.RecordBytes(0)  // ignored
	s.RecordBytes(-5) // ignored
	s.RecordBytes(500)

	assert.EqualValues(t, 1500, s.totalBytes.Load())
	assert.InDelta(t, 150.0, s.currentSpeed(), 0.001, "1500 bytes over the 10s window")
}

func TestTrimDropsOldSamples(t *testing.T) {
	s := New()
	s.mu.Lock()
	s.samples = []sample{
		{at: time.Now().Add(-time.Minute), bytes: 999999},
		{at: time.Now(), bytes: 100},
	}
	s.mu.Unlock()

	assert.InDelta(t, 10.0, s.currentSpeed(), 0.001, "stale sample must be trimmed")
}

func TestSnapshotShape(t *testing.T) {
	s := New()
	metadata := originstate.NewMetadataCache(time.Minute)
	redirects := originstate.NewRedirectCache(time.Minute)
	segments := segcache.New(1024, 100*1024)

	metadata.Put("u", originstate.MetadataEntry{ContentLength: 1})
	redirects.Put("u", "https://cdn/u")
	segments.Put("u", 0, make([]byte, 1024), "video/mp4")
	segments.GetAligned("u", 0)

	release := s.BeginRequest("GET", "u", "bytes=0-2047")
	defer release()
	s.RecordRangeRequest()
	s.RecordBytes(2048)

	snap := s.Snapshot(metadata, redirects, segments)
	assert.EqualValues(t, 1, snap.TotalRequests)
	assert.EqualValues(t, 1, snap.ActiveRequests)
	assert.EqualValues(t, 1, snap.RangeRequests)
	assert.EqualValues(t, 2048, snap.TotalBytesTransferred)
	assert.GreaterOrEqual(t, snap.UptimeMS, int64(0))
	require.NotEmpty(t, snap.FormattedSpeed)
	require.NotEmpty(t, snap.FormattedTotal)

	assert.Equal(t, 1, snap.Cache.MetadataEntries)
	assert.Equal(t, 1, snap.Cache.RedirectEntries)
	assert.Equal(t, 1, snap.Cache.SegmentEntries)
	assert.EqualValues(t, 1024, snap.Cache.SegmentBytes)
	assert.InDelta(t, 1.0, snap.Cache.HitRate, 0.001)
}
