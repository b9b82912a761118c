package rangeengine

import "github.com/krizcold/videoproxy/internal/segcache"

// segmentCollector is the "side output" of the streaming filter (§9 design
// note on best-effort cache fills): it watches the raw bytes flowing in from
// upstream — before they are clipped to the client's requested interval —
// and commits a segment to the cache only once a complete, SEG-aligned
// window has been observed. A window that never completes (the client was
// satisfied and the reader was destroyed first) is discarded, never
// partially cached.
type segmentCollector struct {
	url     string
	segSize int64
	cache   *segcache.Cache
	mime    string

	pos      int64 // absolute offset of the next byte this collector will see
	segStart int64 // absolute start of the window currently being accumulated, -1 if none
	buf      []byte
}

func newSegmentCollector(url string, segSize int64, cache *segcache.Cache, mime string) *segmentCollector {
	return &segmentCollector{url: url, segSize: segSize, cache: cache, mime: mime, segStart: -1}
}

// seek tells the collector the absolute offset of the next byte it will be
// fed, so it can decide whether that byte begins a segment-aligned window.
func (s *segmentCollector) seek(pos int64) {
	s.pos = pos
	s.segStart = -1
	s.buf = nil
}

// feed processes a chunk of raw upstream bytes starting at the collector's
// current position.
func (s *segmentCollector) feed(chunk []byte) {
	if s.cache == nil {
		s.pos += int64(len(chunk))
		return
	}
	i := 0
	for i < len(chunk) {
		if s.segStart < 0 {
			aligned := s.cache.SegStart(s.pos)
			if aligned != s.pos {
				// Not at a segment boundary: skip to the next one without
				// accumulating a fragment nobody can assemble a full
				// segment from.
				skip := aligned + s.segSize - s.pos
				if skip > int64(len(chunk)-i) {
					skip = int64(len(chunk) - i)
				}
				s.pos += skip
				i += int(skip)
				continue
			}
			s.segStart = s.pos
			s.buf = make([]byte, 0, s.segSize)
		}

		need := s.segSize - int64(len(s.buf))
		take := int64(len(chunk) - i)
		if take > need {
			take = need
		}
		s.buf = append(s.buf, chunk[i:i+int(take)]...)
		i += int(take)
		s.pos += take

		if int64(len(s.buf)) == s.segSize {
			s.cache.Put(s.url, s.segStart, s.buf, s.mime)
			s.segStart = -1
			s.buf = nil
		}
	}
}

// finish commits a trailing in-progress window only if it genuinely reaches
// the resource's last byte — the one case where a short segment is legal
// (§3 invariant 1). Any other in-progress window is dropped uncached.
func (s *segmentCollector) finish(total int64) {
	if s.cache == nil || s.segStart < 0 || len(s.buf) == 0 {
		return
	}
	if s.segStart+int64(len(s.buf)) == total {
		s.cache.Put(s.url, s.segStart, s.buf, s.mime)
	}
	s.segStart = -1
	s.buf = nil
}
