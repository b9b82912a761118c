package rangeproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenMiB = 10 * 1024 * 1024

func TestParse_BoundaryBehaviors(t *testing.T) {
	total := int64(tenMiB)

	t.Run("bytes=0-0 returns exactly 1 byte request before expansion", func(t *testing.T) {
		r, err := Parse("bytes=0-0", total)
		require.NoError(t, err)
		assert.EqualValues(t, 0, r.Start)
		assert.True(t, r.Expanded)
		assert.EqualValues(t, 0, r.OriginalEnd)
		assert.EqualValues(t, 1, r.ClientLength())
	})

	t.Run("bytes=-1 returns the last byte", func(t *testing.T) {
		r, err := Parse("bytes=-1", total)
		require.NoError(t, err)
		assert.EqualValues(t, total-1, r.Start)
		assert.EqualValues(t, total-1, r.ClientEnd())
	})

	t.Run("bytes=start- with start at last byte returns 1 byte", func(t *testing.T) {
		r, err := Parse("bytes=10485759-", total)
		require.NoError(t, err)
		assert.EqualValues(t, total-1, r.Start)
		assert.EqualValues(t, 1, r.ClientLength())
	})

	t.Run("end clamped to total-1", func(t *testing.T) {
		r, err := Parse("bytes=0-99999999", total)
		require.NoError(t, err)
		assert.EqualValues(t, total-1, r.End)
	})

	t.Run("start >= total is unsatisfiable", func(t *testing.T) {
		_, err := Parse("bytes=10485760-10485999", total)
		assert.ErrorIs(t, err, ErrUnsatisfiable)
	})

	t.Run("bad prefix is malformed", func(t *testing.T) {
		_, err := Parse("bites=0-1", total)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("non-numeric is malformed", func(t *testing.T) {
		_, err := Parse("bytes=abc-def", total)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestExpansionPolicy(t *testing.T) {
	total := int64(100 * 1024 * 1024)

	t.Run("small request expands to OptimalChunk", func(t *testing.T) {
		r, err := Parse("bytes=0-1023", total)
		require.NoError(t, err)
		assert.True(t, r.Expanded)
		assert.EqualValues(t, 1023, r.OriginalEnd)
		assert.EqualValues(t, OptimalChunk-1, r.End)
		assert.EqualValues(t, 1024, r.ClientLength())
		assert.EqualValues(t, OptimalChunk, r.FetchLength())
	})

	t.Run("mid-band request expands by 1.5x", func(t *testing.T) {
		req := int64(8 * 1024 * 1024) // in [MinChunk, 20MiB)
		r, err := Parse("bytes=0-8388607", total)
		require.NoError(t, err)
		assert.True(t, r.Expanded)
		wantEnd := req + req/2 - 1
		assert.EqualValues(t, wantEnd, r.End)
	})

	t.Run("large request passes through unchanged", func(t *testing.T) {
		r, err := Parse("bytes=0-20971520", total) // 20MiB+1 bytes requested
		require.NoError(t, err)
		assert.False(t, r.Expanded)
		assert.EqualValues(t, 20971520, r.End)
	})

	t.Run("expansion clamps to total-1 and may not count as expanded", func(t *testing.T) {
		small := int64(1024)
		r, err := Parse("bytes=0-1023", small-1) // total smaller than OptimalChunk
		require.NoError(t, err)
		assert.EqualValues(t, small-2, r.End)
	})
}
