package adblock

import (
	"hls-adblock/internal/manifest"
)

// segmentKind is how an emitted playlist carries a primary segment.
type segmentKind uint8

const (
	kindContent segmentKind = iota
	// kindDropped segments are removed from the emitted playlist.
	kindDropped
	// kindBlank segments are kept with their URI pointed at blank video.
	kindBlank
)

// timelineEntry is the emitted numbering of one primary segment. A dropped
// segment that follows an emitted one stores the numbers the next emitted
// segment takes. A leading dropped segment (lead) stores its own virtual
// numbers instead.
type timelineEntry struct {
	kind segmentKind
	lead bool
	seq  int64
	cc   int64
}

// timeline keeps the emitted media and discontinuity sequence numbers stable
// across polls. A segment is numbered once, when it first enters the live
// window, and keeps those numbers and its kind until it leaves the window.
type timeline struct {
	entries map[string]timelineEntry
	// window holds the segment URIs of the last planned playlist.
	window map[string]bool
	// seqShift and ccShift are raw minus emitted numbers after the last
	// planned segment.
	seqShift int64
	ccShift  int64
	lastSeq  int64
	started  bool
}

func (t *timeline) reset() {
	*t = timeline{}
}

// detach forgets the numbering after the player was handed a playlist from
// another source. The window is kept for stale detection.
func (t *timeline) detach() {
	t.entries = nil
	t.seqShift, t.ccShift = 0, 0
}

// overlaps reports whether any segment of m was in the last planned window.
func (t *timeline) overlaps(m *manifest.Media) bool {
	for _, seg := range m.Segments {
		if t.window[seg.URI] {
			return true
		}
	}
	return false
}

func (t *timeline) windowLen() int {
	return len(t.window)
}

// plan numbers every segment of m. New ad segments are dropped when strip is
// set and blanked otherwise; segments planned on an earlier poll keep their
// kind and numbers.
func (t *timeline) plan(m *manifest.Media, ads []bool, strip bool) []timelineEntry {
	if t.started && m.MediaSequence < t.lastSeq && !t.overlaps(m) {
		t.reset()
	}

	out := make([]timelineEntry, len(m.Segments))
	next := make(map[string]timelineEntry, len(m.Segments))
	window := make(map[string]bool, len(m.Segments))
	cc := m.DiscontinuitySequence
	for i, seg := range m.Segments {
		if seg.Discontinuity {
			cc++
		}
		rawSeq := m.MediaSequence + int64(i)

		e, known := t.entries[seg.URI]
		if _, dup := next[seg.URI]; dup || !known {
			var prev *timelineEntry
			if i > 0 {
				prev = &out[i-1]
			}
			e = t.extend(prev, rawSeq, cc, seg.Discontinuity, kindFor(ads[i], strip))
		}
		if _, dup := next[seg.URI]; !dup {
			next[seg.URI] = e
		}
		window[seg.URI] = true
		out[i] = e

		if e.kind == kindDropped && !e.lead {
			t.seqShift = rawSeq + 1 - e.seq
		} else {
			t.seqShift = rawSeq - e.seq
		}
		t.ccShift = cc - e.cc
	}

	t.entries = next
	t.window = window
	t.lastSeq = m.MediaSequence
	t.started = true
	return out
}

func kindFor(ad, strip bool) segmentKind {
	switch {
	case !ad:
		return kindContent
	case strip:
		return kindDropped
	default:
		return kindBlank
	}
}

// extend numbers a segment seen for the first time, following prev.
func (t *timeline) extend(prev *timelineEntry, rawSeq, rawCC int64, disc bool, kind segmentKind) timelineEntry {
	e := timelineEntry{kind: kind}
	if prev == nil || prev.lead {
		e.lead = kind == kindDropped
		e.seq = rawSeq - t.seqShift
		e.cc = rawCC - t.ccShift
		return e
	}

	e.seq, e.cc = prev.seq, prev.cc
	if prev.kind != kindDropped {
		e.seq++
	}
	switch {
	case prev.kind == kindDropped:
	case kind == kindDropped:
		// The next emitted segment follows a cut.
		e.cc++
	case prev.kind != kind:
		e.cc++
	case kind == kindContent && disc:
		e.cc++
	}
	return e
}

// render rewrites m to match entries: dropped segments are removed, blank
// ones point at blankURI and discontinuities sit exactly where the emitted
// discontinuity number changes. It reports false, leaving m untouched, when
// the playlist already matches and no prefetch hint has to go.
func render(m *manifest.Media, entries []timelineEntry, blankURI string, dropPrefetch bool) bool {
	if !needsEdit(m, entries) && !(dropPrefetch && len(m.Prefetch) > 0) {
		return false
	}

	bySeg := make(map[*manifest.Segment]timelineEntry, len(m.Segments))
	kept := 0
	for i, seg := range m.Segments {
		e := entries[i]
		bySeg[seg] = e
		switch e.kind {
		case kindBlank:
			seg.RemoveTags(manifest.TagByteRange)
			seg.SetURI(blankURI)
		case kindContent:
		default:
			continue
		}
		kept++
	}
	if kept == 0 {
		ads := make([]bool, len(m.Segments))
		for i := range ads {
			ads[i] = true
		}
		substituteAds(m, ads, blankURI)
		return true
	}

	m.Filter(func(seg *manifest.Segment) bool { return bySeg[seg].kind != kindDropped })
	first := bySeg[m.Segments[0]]
	var prevCC int64
	for i, seg := range m.Segments {
		e := bySeg[seg]
		seg.RemoveTags(manifest.TagDiscontinuity)
		if i > 0 && e.cc != prevCC {
			seg.EnsureDiscontinuity()
		}
		prevCC = e.cc
	}
	if first.seq != m.MediaSequence {
		m.SetMediaSequence(first.seq)
	}
	if first.cc != m.DiscontinuitySequence {
		m.SetDiscontinuitySequence(first.cc)
	}
	if dropPrefetch {
		m.DropPrefetch()
	}
	return true
}

func needsEdit(m *manifest.Media, entries []timelineEntry) bool {
	cc := m.DiscontinuitySequence
	for i, seg := range m.Segments {
		if seg.Discontinuity {
			cc++
		}
		e := entries[i]
		if e.kind != kindContent || e.seq != m.MediaSequence+int64(i) || e.cc != cc {
			return true
		}
	}
	return false
}

// substituteAds points every flagged segment at uri, keeping its duration so
// the timeline is unchanged. Discontinuities are added at both edges of each
// substituted run.
func substituteAds(m *manifest.Media, ads []bool, uri string) int {
	n := 0
	prevAd := false
	for i, seg := range m.Segments {
		if ads[i] {
			if i > 0 && !prevAd {
				seg.EnsureDiscontinuity()
			}
			seg.RemoveTags(manifest.TagByteRange)
			seg.SetURI(uri)
			n++
		} else if prevAd {
			seg.EnsureDiscontinuity()
		}
		prevAd = ads[i]
	}
	m.DropPrefetch()
	return n
}
