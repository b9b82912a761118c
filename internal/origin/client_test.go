package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/krizcold/videoproxy/internal/originstate"
	"github.com/krizcold/videoproxy/internal/transport"
)

func newTestClient() *Client {
	return New(transport.New(), zap.NewNop())
}

func TestHead_FillsMetadataEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Length", "12345")
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Last-Modified", "Tue, 01 Jul 2025 00:00:00 GMT")
		w.Header().Set("ETag", `"v1"`)
	}))
	defer srv.Close()

	e, err := newTestClient().Head(context.Background(), srv.URL+"/a.mp4")
	require.NoError(t, err)
	assert.EqualValues(t, 12345, e.ContentLength)
	assert.Equal(t, "video/mp4", e.ContentType)
	assert.Equal(t, "Tue, 01 Jul 2025 00:00:00 GMT", e.LastModified)
	assert.Equal(t, `"v1"`, e.ETag)
}

func TestHead_FollowsRedirectByHand(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "777")
		w.Header().Set("Content-Type", "video/mp4")
	}))
	defer final.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", final.URL+"/a.mp4")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	e, err := newTestClient().Head(context.Background(), srv.URL+"/a.mp4")
	require.NoError(t, err)
	assert.EqualValues(t, 777, e.ContentLength)
}

func TestHead_ErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient().Head(context.Background(), srv.URL+"/a.mp4")
	assert.Error(t, err)
}

func TestGet_RangeIsForwardedAndBodyStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=0-9", r.Header.Get("Range"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		assert.Empty(t, r.Header.Get("Origin"))
		w.Header().Set("Content-Range", "bytes 0-9/100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	resp, err := newTestClient().Get(context.Background(), srv.URL+"/a.mp4", "bytes=0-9")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))
}

func TestGet_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://cdn.example.com/a.mp4")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	resp, err := newTestClient().Get(context.Background(), srv.URL+"/a.mp4", "bytes=0-9")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode, "the 302 must surface to the caller, not be auto-followed")
	assert.Equal(t, "https://cdn.example.com/a.mp4", resp.Header.Get("Location"))
}

func TestRevalidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Length", "100")
	}))
	defer srv.Close()

	c := newTestClient()
	prev := originstate.MetadataEntry{ContentLength: 100, ETag: `"v1"`}

	got, ok, err := c.Revalidate(context.Background(), srv.URL+"/a.mp4", prev)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, prev, got)

	_, ok, err = c.Revalidate(context.Background(), srv.URL+"/a.mp4", originstate.MetadataEntry{ETag: `"v2"`})
	require.NoError(t, err)
	assert.False(t, ok, "a non-304 means the caller must fall back to a full Head")
}

func TestHealthTracksOutcomes(t *testing.T) {
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := newTestClient()
	ok, total := c.Health()
	assert.Zero(t, ok)
	assert.Zero(t, total)

	status = http.StatusOK
	resp, err := c.Get(context.Background(), srv.URL+"/a.mp4", "")
	require.NoError(t, err)
	resp.Body.Close()

	status = http.StatusInternalServerError
	resp, err = c.Get(context.Background(), srv.URL+"/a.mp4", "")
	require.NoError(t, err)
	resp.Body.Close()

	ok, total = c.Health()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 2, total)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline exceeded" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(timeoutErr{}))
	assert.True(t, IsTimeout(fmt.Errorf("origin: GET: %w", timeoutErr{})))
	assert.False(t, IsTimeout(fmt.Errorf("plain failure")))
	assert.False(t, IsTimeout(nil))
}

func TestHealthRingWrapsAround(t *testing.T) {
	h := newHealthRing(4)
	for i := 0; i < 6; i++ {
		h.record(i%2 == 0)
	}
	ok, total := h.snapshot()
	assert.Equal(t, 4, total, "ring holds only the last N outcomes")
	assert.Equal(t, 2, ok)
}
