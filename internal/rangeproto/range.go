// Package rangeproto implements the client Range-header grammar and the
// prefetch expansion policy from §4.1 of the spec: decode an HTTP Range
// header against a known total size into a normalized half-open-looking
// interval, then grow small requests so one round trip can populate the
// segment cache ahead of the playhead.
package rangeproto

import (
	"errors"
	"strconv"
	"strings"
)

const (
	// MinChunk is the request size below which the engine always expands.
	MinChunk = 5 * 1024 * 1024
	// OptimalChunk is the target size an expansion grows a request to.
	OptimalChunk = 10 * 1024 * 1024
	// midBandCeiling is the upper bound of the "expand-by-1.5x" band.
	midBandCeiling = 20 * 1024 * 1024
)

// ErrMalformed is returned when the header cannot be parsed at all: the
// prefix isn't "bytes=" or the numbers aren't valid integers.
var ErrMalformed = errors.New("rangeproto: malformed range header")

// ErrUnsatisfiable is returned when start >= total (or total is zero).
var ErrUnsatisfiable = errors.New("rangeproto: range not satisfiable")

// Range is a half-open-looking but inclusive byte interval [Start, End] of
// a resource of size Total. End is the *effective* end the engine will
// fetch/align against, which may be larger than what the client asked for
// if Expanded is true — in that case OriginalEnd is the byte the client is
// actually owed, per invariant 6.
type Range struct {
	Start       int64
	End         int64
	Total       int64
	Expanded    bool
	OriginalEnd int64
}

// ClientEnd returns the last byte the client is owed: OriginalEnd when the
// range was expanded for prefetch, End otherwise.
func (r Range) ClientEnd() int64 {
	if r.Expanded {
		return r.OriginalEnd
	}
	return r.End
}

// ClientLength returns the number of bytes the client is owed.
func (r Range) ClientLength() int64 {
	return r.ClientEnd() - r.Start + 1
}

// FetchLength returns the number of bytes the engine should request from
// upstream (End may exceed ClientEnd when the range was expanded).
func (r Range) FetchLength() int64 {
	return r.End - r.Start + 1
}

// Parse decodes the literal value of a client Range header against a known
// total resource size, then applies the prefetch expansion policy. Only
// the first range in the header is honored; additional ranges are ignored.
func Parse(header string, total int64) (Range, error) {
	if total <= 0 {
		return Range{}, ErrUnsatisfiable
	}

	start, end, err := parseFirstRange(header, total)
	if err != nil {
		return Range{}, err
	}
	if start >= total {
		return Range{}, ErrUnsatisfiable
	}
	if end >= total {
		end = total - 1
	}
	if end < start {
		return Range{}, ErrMalformed
	}

	r := Range{Start: start, End: end, Total: total}
	expand(&r)
	return r, nil
}

// parseFirstRange decodes "bytes=S-E", "bytes=S-", and "bytes=-N" against
// total, without clamping or expansion; that happens in Parse.
func parseFirstRange(header string, total int64) (start, end int64, err error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, ErrMalformed
	}
	spec := strings.TrimPrefix(header, prefix)
	// Only the first range (before any comma) is honored.
	if i := strings.IndexByte(spec, ','); i >= 0 {
		spec = spec[:i]
	}
	spec = strings.TrimSpace(spec)

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return 0, 0, ErrMalformed
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		// Suffix form: bytes=-N, the last N bytes of the resource.
		if endStr == "" {
			return 0, 0, ErrMalformed
		}
		n, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || n < 0 {
			return 0, 0, ErrMalformed
		}
		s := total - n
		if s < 0 {
			s = 0
		}
		return s, total - 1, nil
	}

	s, perr := strconv.ParseInt(startStr, 10, 64)
	if perr != nil || s < 0 {
		return 0, 0, ErrMalformed
	}
	if endStr == "" {
		// Open form: bytes=S-, to the end of the resource.
		return s, total - 1, nil
	}
	e, perr := strconv.ParseInt(endStr, 10, 64)
	if perr != nil || e < 0 {
		return 0, 0, ErrMalformed
	}
	return s, e, nil
}

// expand applies the prefetch expansion policy of §4.1 in place.
func expand(r *Range) {
	req := r.End - r.Start + 1
	var newEnd int64

	switch {
	case req < MinChunk:
		newEnd = r.Start + OptimalChunk - 1
	case req < midBandCeiling:
		target := req + req/2 // 1.5x, integer arithmetic
		if target < OptimalChunk {
			target = OptimalChunk
		}
		newEnd = r.Start + target - 1
	default:
		return // pass through unchanged
	}

	if newEnd > r.Total-1 {
		newEnd = r.Total - 1
	}
	if newEnd > r.End {
		r.OriginalEnd = r.End
		r.End = newEnd
		r.Expanded = true
	}
}
