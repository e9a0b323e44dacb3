package adblock

import (
	"strings"
	"time"

	"hls-adblock/internal/manifest"
)

const (
	rollTypeAttr = "X-TV-TWITCH-AD-ROLL-TYPE"
	rollMidroll  = "MIDROLL"
	rollPreroll  = "PREROLL"
)

// SegmentMetadata is everything IsAdSegment looks at for one segment.
type SegmentMetadata struct {
	URI   string
	Title string
	// Tags are the raw tag lines attached to the segment.
	Tags            []string
	ProgramDateTime time.Time
	// AdRanges are the date ranges of the playlist that carry the signifier.
	AdRanges []manifest.DateRange
	// PlaylistMarked reports whether the signifier appears anywhere in the playlist.
	PlaylistMarked bool
	// BitrateBps is the measured segment bitrate, 0 when unknown.
	BitrateBps float64
	// BaselineBps is the last known content bitrate, 0 when unknown.
	BaselineBps float64
	// Seen reports whether the segment was already classified as an ad.
	Seen bool
}

// IsAdSegment classifies one segment under cfg. It is a pure function of its
// arguments.
func IsAdSegment(meta SegmentMetadata, cfg Config) bool {
	if meta.Seen {
		return true
	}
	if cfg.MarkerDetection && markerMatch(meta, cfg) {
		return true
	}
	// Bitrate is only trusted when markers are off or the playlist has none.
	if cfg.BitrateDetection && (!cfg.MarkerDetection || !meta.PlaylistMarked) {
		return bitrateDrop(meta.BitrateBps, meta.BaselineBps, cfg.BitrateDropThreshold)
	}
	return false
}

func markerMatch(meta SegmentMetadata, cfg Config) bool {
	sig := cfg.AdSignifier
	if sig == "" {
		return false
	}
	if strings.Contains(meta.Title, sig) {
		return true
	}
	for _, t := range meta.Tags {
		if strings.Contains(t, sig) {
			return true
		}
	}
	for _, dr := range meta.AdRanges {
		if dr.Contains(meta.ProgramDateTime) {
			return true
		}
	}
	return meta.PlaylistMarked && cfg.ContentSegmentTitle != "" && meta.Title != cfg.ContentSegmentTitle
}

// bitrateDrop reports whether bps fell below (1 - threshold) of the baseline.
func bitrateDrop(bps, baseline, threshold float64) bool {
	if bps <= 0 || baseline <= 0 {
		return false
	}
	return bps < (1-threshold)*baseline
}

// detection is the classification of one media playlist.
type detection struct {
	ads []bool
	// markerFound reports whether marker detection flagged any segment.
	markerFound bool
	adCount     int
	// baseline is the bitrate baseline after this playlist.
	baseline float64
	// rollType is the DATERANGE roll type, if any ad range declared one.
	rollType string
}

func (d detection) active() bool {
	return d.adCount > 0
}

// hasContent reports whether at least one segment is not an ad.
func (d detection) hasContent() bool {
	return d.adCount < len(d.ads)
}

// midroll reports whether the interval is a midroll. The date range roll
// type wins; otherwise an ad after content was seen is a midroll.
func (d detection) midroll(sawContent bool) bool {
	switch d.rollType {
	case rollMidroll:
		return true
	case rollPreroll:
		return false
	}
	return sawContent
}

// detect classifies every segment of m for session s. It reads but does not
// modify the session.
func detect(cfg Config, m *manifest.Media, s *Session) detection {
	d := detection{
		ads:      make([]bool, len(m.Segments)),
		baseline: s.LastKnownBitrate,
	}

	var adRanges []manifest.DateRange
	marked := false
	if cfg.AdSignifier != "" {
		for _, dr := range m.DateRanges() {
			if strings.Contains(dr.Raw, cfg.AdSignifier) {
				adRanges = append(adRanges, dr)
				if rt := dr.Attributes[rollTypeAttr]; rt != "" && d.rollType == "" {
					d.rollType = strings.ToUpper(rt)
				}
			}
		}
		marked = m.Contains(cfg.AdSignifier)
	}

	for i, seg := range m.Segments {
		meta := segmentMetadata(seg, adRanges, marked)
		_, meta.Seen = s.SeenAds[seg.URI]
		meta.BaselineBps = d.baseline

		ad := IsAdSegment(meta, cfg)
		if cfg.MarkerDetection && !meta.Seen && markerMatch(meta, cfg) {
			d.markerFound = true
		}
		if ad {
			d.ads[i] = true
			d.adCount++
			continue
		}
		if meta.BitrateBps > 0 {
			d.baseline = meta.BitrateBps
		}
	}
	return d
}

func segmentMetadata(seg *manifest.Segment, adRanges []manifest.DateRange, marked bool) SegmentMetadata {
	tags := make([]string, 0, len(seg.Tags))
	for _, l := range seg.Tags {
		if l.Kind == manifest.LineTag {
			tags = append(tags, l.Text)
		}
	}
	meta := SegmentMetadata{
		URI:             seg.URI,
		Title:           seg.Title,
		Tags:            tags,
		ProgramDateTime: seg.ProgramDateTime,
		AdRanges:        adRanges,
		PlaylistMarked:  marked,
	}
	if size, ok := seg.SizeBytes(); ok && seg.Duration > 0 {
		meta.BitrateBps = float64(size*8) / seg.Duration
	}
	return meta
}
