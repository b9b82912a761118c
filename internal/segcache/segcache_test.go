package segcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seg = 2 * 1024 * 1024

func fill(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestPutGetAligned(t *testing.T) {
	c := New(seg, 10*seg)
	c.Put("http://o/a.mp4", 0, fill(seg, 'a'), "video/mp4")

	got, ok := c.GetAligned("http://o/a.mp4", 0)
	require.True(t, ok)
	assert.Len(t, got.Bytes, seg)
	assert.Equal(t, byte('a'), got.Bytes[0])

	_, ok = c.GetAligned("http://o/a.mp4", seg)
	assert.False(t, ok)

	mime, ok := c.MimeType("http://o/a.mp4")
	require.True(t, ok)
	assert.Equal(t, "video/mp4", mime)
}

func TestFirstWriterWins(t *testing.T) {
	c := New(seg, 10*seg)
	c.Put("http://o/a.mp4", 0, fill(seg, 'a'), "video/mp4")
	c.Put("http://o/a.mp4", 0, fill(seg, 'b'), "video/mp4") // racing writer, must not replace

	got, _ := c.GetAligned("http://o/a.mp4", 0)
	assert.Equal(t, byte('a'), got.Bytes[0])
}

func TestEvictionToSeventyPercent(t *testing.T) {
	cap := int64(10 * seg)
	c := New(seg, cap)
	for i := int64(0); i < 10; i++ {
		c.Put("http://o/a.mp4", i*seg, fill(seg, byte('a'+i)), "video/mp4")
	}
	snap := c.Snapshot()
	assert.EqualValues(t, 10, snap.Segments)
	assert.EqualValues(t, cap, snap.Bytes)

	// One more insertion should trigger eviction down to 0.7*cap before
	// inserting the new segment.
	c.Put("http://o/a.mp4", 10*seg, fill(seg, 'z'), "video/mp4")
	snap = c.Snapshot()
	assert.LessOrEqual(t, snap.Bytes, int64(float64(cap)*0.7)+seg)

	// The least-recently-used segment (index 0) should be gone.
	_, ok := c.GetAligned("http://o/a.mp4", 0)
	assert.False(t, ok)
	// The most recent one should still be present.
	_, ok = c.GetAligned("http://o/a.mp4", 10*seg)
	assert.True(t, ok)
}

func TestEvictionBumpsLRUOnAccess(t *testing.T) {
	cap := int64(3 * seg)
	c := New(seg, cap)
	c.Put("http://o/a.mp4", 0, fill(seg, 'a'), "")
	c.Put("http://o/a.mp4", seg, fill(seg, 'b'), "")
	c.Put("http://o/a.mp4", 2*seg, fill(seg, 'c'), "")

	// Touch segment 0 so it's no longer the least recently used.
	_, ok := c.GetAligned("http://o/a.mp4", 0)
	require.True(t, ok)

	// Force eviction down to 0.7*cap by inserting one more segment.
	c.Put("http://o/a.mp4", 3*seg, fill(seg, 'd'), "")

	_, ok = c.GetAligned("http://o/a.mp4", 0)
	assert.True(t, ok, "recently touched segment should survive eviction")
	_, ok = c.GetAligned("http://o/a.mp4", seg)
	assert.False(t, ok, "untouched oldest segment should be evicted")
}

func TestCoalesceAndAssemble(t *testing.T) {
	c := New(seg, 10*seg)
	c.Put("http://o/a.mp4", 0, fill(seg, 'a'), "")
	c.Put("http://o/a.mp4", seg, fill(seg, 'b'), "")

	segs := c.Coalesce("http://o/a.mp4", 0, 2*seg-1)
	require.Len(t, segs, 2)
	assert.EqualValues(t, 0, segs[0].Start)
	assert.EqualValues(t, seg, segs[1].Start)

	data, ok := Assemble(segs, 100, seg+100)
	require.True(t, ok)
	assert.Len(t, data, seg+1)
	assert.Equal(t, byte('a'), data[0])
	assert.Equal(t, byte('b'), data[len(data)-1])
}

func TestAssembleDetectsGap(t *testing.T) {
	c := New(seg, 10*seg)
	c.Put("http://o/a.mp4", 0, fill(seg, 'a'), "")
	c.Put("http://o/a.mp4", 2*seg, fill(seg, 'c'), "")

	segs := c.Coalesce("http://o/a.mp4", 0, 3*seg-1)
	_, ok := Assemble(segs, 0, 3*seg-1)
	assert.False(t, ok, "missing middle segment must be detected as a gap")
}

func TestHitRate(t *testing.T) {
	c := New(seg, 10*seg)
	c.Put("http://o/a.mp4", 0, fill(seg, 'a'), "")
	c.GetAligned("http://o/a.mp4", 0)
	c.GetAligned("http://o/a.mp4", seg)

	snap := c.Snapshot()
	assert.EqualValues(t, 1, snap.Hits)
	assert.EqualValues(t, 1, snap.Misses)
	assert.InDelta(t, 0.5, snap.HitRate(), 0.0001)
}

func TestFinalShortSegment(t *testing.T) {
	c := New(seg, 10*seg)
	short := fill(1024, 'z')
	c.Put("http://o/a.mp4", 4*seg, short, "")

	got, ok := c.GetAligned("http://o/a.mp4", 4*seg)
	require.True(t, ok)
	assert.Len(t, got.Bytes, 1024)
	assert.EqualValues(t, 4*seg+1023, got.End())
}
