package manifest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Media playlist tags the model understands.
const (
	TagExtInf                = "#EXTINF"
	TagMediaSequence         = "#EXT-X-MEDIA-SEQUENCE"
	TagDiscontinuitySequence = "#EXT-X-DISCONTINUITY-SEQUENCE"
	TagTargetDuration        = "#EXT-X-TARGETDURATION"
	TagDiscontinuity         = "#EXT-X-DISCONTINUITY"
	TagByteRange             = "#EXT-X-BYTERANGE"
	TagBitrate               = "#EXT-X-BITRATE"
	TagProgramDateTime       = "#EXT-X-PROGRAM-DATE-TIME"
	TagDateRange             = "#EXT-X-DATERANGE"
	TagEndList               = "#EXT-X-ENDLIST"
	TagTwitchPrefetch        = "#EXT-X-TWITCH-PREFETCH"
)

// segmentTags open a segment's tag block; anything before the first of them
// belongs to the playlist header.
var segmentTags = map[string]bool{
	TagExtInf:                 true,
	TagDiscontinuity:          true,
	TagByteRange:              true,
	TagBitrate:                true,
	TagProgramDateTime:        true,
	TagDateRange:              true,
	"#EXT-X-KEY":              true,
	"#EXT-X-MAP":              true,
	"#EXT-X-GAP":              true,
	"#EXT-X-CUE-OUT":          true,
	"#EXT-X-CUE-OUT-CONT":     true,
	"#EXT-X-CUE-IN":           true,
	"#EXT-X-SCTE35":           true,
	"#EXT-X-PART":             true,
	"#EXT-X-PRELOAD-HINT":     true,
	"#EXT-X-RENDITION-REPORT": true,
}

// ByteRange is the decoded value of #EXT-X-BYTERANGE.
type ByteRange struct {
	Length    int64
	Offset    int64
	HasOffset bool
}

// DateRange is a decoded #EXT-X-DATERANGE tag.
type DateRange struct {
	ID         string
	Class      string
	StartDate  time.Time
	Duration   time.Duration
	Attributes Attributes
	Raw        string
}

// Contains reports whether t lies inside the range. A range without a
// known duration only contains its start instant.
func (d DateRange) Contains(t time.Time) bool {
	if d.StartDate.IsZero() || t.IsZero() {
		return false
	}
	if t.Before(d.StartDate) {
		return false
	}
	if d.Duration <= 0 {
		return t.Equal(d.StartDate)
	}
	return t.Before(d.StartDate.Add(d.Duration))
}

// Segment is one media segment with the tag lines that precede its URI.
type Segment struct {
	Sequence        int64
	URI             string
	Duration        float64
	Title           string
	Discontinuity   bool
	ByteRange       *ByteRange
	BitrateKbps     int64
	ProgramDateTime time.Time
	DateRanges      []DateRange

	Tags    []Line
	uriLine Line
}

// SizeBytes returns the segment size when the playlist declares it, either
// through a byte range or an #EXT-X-BITRATE hint.
func (s *Segment) SizeBytes() (int64, bool) {
	if s.ByteRange != nil && s.ByteRange.Length > 0 {
		return s.ByteRange.Length, true
	}
	if s.BitrateKbps > 0 && s.Duration > 0 {
		return int64(float64(s.BitrateKbps) * 1000 / 8 * s.Duration), true
	}
	return 0, false
}

// HasTagContaining reports whether the EXTINF title or any tag line of the
// segment contains needle.
func (s *Segment) HasTagContaining(needle string) bool {
	if needle == "" {
		return false
	}
	if strings.Contains(s.Title, needle) {
		return true
	}
	for _, l := range s.Tags {
		if l.Kind == LineTag && strings.Contains(l.Text, needle) {
			return true
		}
	}
	return false
}

// SetURI replaces the segment URI and keeps the original line terminator.
func (s *Segment) SetURI(uri string) {
	s.URI = uri
	s.uriLine.Text = uri
}

// RemoveTags drops the segment's tag lines named name and returns how many
// were removed.
func (s *Segment) RemoveTags(name string) int {
	kept := s.Tags[:0]
	for _, l := range s.Tags {
		if l.TagName() == name {
			continue
		}
		kept = append(kept, l)
	}
	removed := len(s.Tags) - len(kept)
	s.Tags = kept
	if removed > 0 {
		switch name {
		case TagByteRange:
			s.ByteRange = nil
		case TagDiscontinuity:
			s.Discontinuity = false
		}
	}
	return removed
}

// EnsureDiscontinuity marks the segment as following a discontinuity.
func (s *Segment) EnsureDiscontinuity() {
	if s.Discontinuity {
		return
	}
	s.Discontinuity = true

	at := len(s.Tags)
	for i, l := range s.Tags {
		if l.TagName() == TagExtInf {
			at = i
			break
		}
	}
	ref := s.uriLine
	if at < len(s.Tags) {
		ref = s.Tags[at]
	}
	tags := make([]Line, 0, len(s.Tags)+1)
	tags = append(tags, s.Tags[:at]...)
	tags = append(tags, newLineLike(TagDiscontinuity, ref))
	tags = append(tags, s.Tags[at:]...)
	s.Tags = tags
}

// Media is a parsed media playlist.
type Media struct {
	MediaSequence         int64
	DiscontinuitySequence int64
	TargetDuration        float64
	Ended                 bool
	Segments              []*Segment
	Prefetch              []string

	header  []Line
	trailer []Line
}

// ParseMedia parses a media playlist.
func ParseMedia(text string) (*Media, error) {
	lines := SplitLines(text)
	if !hasHeader(lines) {
		return nil, &ParseError{Err: ErrMissingHeader}
	}

	m := &Media{}
	var (
		cur         *Segment
		inHeader    = true
		bitrate     int64
		lastPDT     time.Time
		lastDur     float64
		seenExtInf  bool
		pending     []Line
		headerLines []Line
	)

	for i, l := range lines {
		lineNo := i + 1
		name := l.TagName()

		if inHeader && l.Kind != LineURI && !segmentTags[name] {
			if err := m.readHeaderTag(l, lineNo); err != nil {
				return nil, err
			}
			headerLines = append(headerLines, l)
			continue
		}
		inHeader = false

		if l.Kind == LineURI {
			if cur == nil || !seenExtInf {
				return nil, parseErr(lineNo, "segment URI %q without #EXTINF", strings.TrimSpace(l.Text))
			}
			cur.URI = strings.TrimSpace(l.Text)
			cur.uriLine = l
			cur.Tags = pending
			cur.Sequence = m.MediaSequence + int64(len(m.Segments))
			if cur.BitrateKbps == 0 && cur.ByteRange == nil {
				cur.BitrateKbps = bitrate
			}
			if cur.ProgramDateTime.IsZero() && !lastPDT.IsZero() {
				cur.ProgramDateTime = lastPDT.Add(time.Duration(lastDur * float64(time.Second)))
			}
			lastPDT, lastDur = cur.ProgramDateTime, cur.Duration
			m.Segments = append(m.Segments, cur)
			cur, pending, seenExtInf = nil, nil, false
			continue
		}

		if cur == nil {
			cur = &Segment{}
		}
		pending = append(pending, l)

		switch name {
		case TagExtInf:
			dur, title, err := parseExtInf(l.TagValue())
			if err != nil {
				return nil, &ParseError{Line: lineNo, Err: err}
			}
			cur.Duration, cur.Title, seenExtInf = dur, title, true
		case TagDiscontinuity:
			cur.Discontinuity = true
		case TagByteRange:
			br, err := parseByteRange(l.TagValue())
			if err != nil {
				return nil, &ParseError{Line: lineNo, Err: err}
			}
			cur.ByteRange = br
		case TagBitrate:
			kbps, err := strconv.ParseInt(strings.TrimSpace(l.TagValue()), 10, 64)
			if err != nil {
				return nil, parseErr(lineNo, "invalid %s: %w", TagBitrate, err)
			}
			bitrate = kbps
			cur.BitrateKbps = kbps
		case TagProgramDateTime:
			t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(l.TagValue()))
			if err != nil {
				return nil, parseErr(lineNo, "invalid %s: %w", TagProgramDateTime, err)
			}
			cur.ProgramDateTime = t
		case TagDateRange:
			cur.DateRanges = append(cur.DateRanges, parseDateRange(l))
		case TagTwitchPrefetch:
			m.Prefetch = append(m.Prefetch, strings.TrimSpace(l.TagValue()))
		case TagEndList:
			m.Ended = true
		}
	}

	m.header = headerLines
	if cur != nil {
		// Lines after the last URI carry no segment of their own.
		m.trailer = pending
	}
	return m, nil
}

func (m *Media) readHeaderTag(l Line, lineNo int) error {
	value := strings.TrimSpace(l.TagValue())
	switch l.TagName() {
	case TagMediaSequence:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return parseErr(lineNo, "invalid %s: %w", TagMediaSequence, err)
		}
		m.MediaSequence = n
	case TagDiscontinuitySequence:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return parseErr(lineNo, "invalid %s: %w", TagDiscontinuitySequence, err)
		}
		m.DiscontinuitySequence = n
	case TagTargetDuration:
		d, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return parseErr(lineNo, "invalid %s: %w", TagTargetDuration, err)
		}
		m.TargetDuration = d
	case TagEndList:
		m.Ended = true
	case TagTwitchPrefetch:
		m.Prefetch = append(m.Prefetch, value)
	}
	return nil
}

// DateRanges returns every DATERANGE tag in playlist order.
func (m *Media) DateRanges() []DateRange {
	var out []DateRange
	for _, l := range m.header {
		if l.TagName() == TagDateRange {
			out = append(out, parseDateRange(l))
		}
	}
	for _, s := range m.Segments {
		out = append(out, s.DateRanges...)
	}
	for _, l := range m.trailer {
		if l.TagName() == TagDateRange {
			out = append(out, parseDateRange(l))
		}
	}
	return out
}

// Contains reports whether any line of the playlist contains needle.
func (m *Media) Contains(needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(m.Serialize(), needle)
}

// Serialize renders the playlist text.
func (m *Media) Serialize() string {
	var b strings.Builder
	for _, l := range m.header {
		b.WriteString(l.String())
	}
	for _, s := range m.Segments {
		for _, l := range s.Tags {
			b.WriteString(l.String())
		}
		b.WriteString(s.uriLine.String())
	}
	for _, l := range m.trailer {
		b.WriteString(l.String())
	}
	return b.String()
}

// SetMediaSequence rewrites #EXT-X-MEDIA-SEQUENCE, adding it when absent.
func (m *Media) SetMediaSequence(n int64) {
	m.MediaSequence = n
	m.setHeaderTag(TagMediaSequence, strconv.FormatInt(n, 10))
	for i, s := range m.Segments {
		s.Sequence = n + int64(i)
	}
}

// SetDiscontinuitySequence rewrites #EXT-X-DISCONTINUITY-SEQUENCE, adding it when absent.
func (m *Media) SetDiscontinuitySequence(n int64) {
	m.DiscontinuitySequence = n
	m.setHeaderTag(TagDiscontinuitySequence, strconv.FormatInt(n, 10))
}

func (m *Media) setHeaderTag(tag, value string) {
	for i, l := range m.header {
		if l.TagName() == tag {
			m.header[i].Text = tag + ":" + value
			return
		}
	}

	at := 0
	for i, l := range m.header {
		if l.Kind == LineHeader {
			at = i + 1
			break
		}
	}
	ref := Line{EOL: "\n"}
	if len(m.header) > 0 {
		ref = m.header[0]
	}
	header := make([]Line, 0, len(m.header)+1)
	header = append(header, m.header[:at]...)
	header = append(header, newLineLike(tag+":"+value, ref))
	header = append(header, m.header[at:]...)
	m.header = header
}

// Filter keeps the segments for which keep returns true and returns how many
// were dropped. Tag lines attached to a dropped segment are dropped with it.
// Sequence numbers are left alone; see SetMediaSequence.
func (m *Media) Filter(keep func(*Segment) bool) int {
	kept := m.Segments[:0]
	for _, s := range m.Segments {
		if keep(s) {
			kept = append(kept, s)
		}
	}
	dropped := len(m.Segments) - len(kept)
	for i := len(kept); i < len(m.Segments); i++ {
		m.Segments[i] = nil
	}
	m.Segments = kept
	return dropped
}

// DropPrefetch removes #EXT-X-TWITCH-PREFETCH hints and returns how many were removed.
func (m *Media) DropPrefetch() int {
	removed := 0
	keep := func(lines []Line) []Line {
		out := lines[:0]
		for _, l := range lines {
			if l.TagName() == TagTwitchPrefetch {
				removed++
				continue
			}
			out = append(out, l)
		}
		return out
	}
	m.header = keep(m.header)
	for _, s := range m.Segments {
		s.Tags = keep(s.Tags)
	}
	m.trailer = keep(m.trailer)
	m.Prefetch = nil
	return removed
}

func parseExtInf(value string) (float64, string, error) {
	durStr, title, _ := strings.Cut(value, ",")
	dur, err := strconv.ParseFloat(strings.TrimSpace(durStr), 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid %s duration %q: %w", TagExtInf, durStr, err)
	}
	if dur < 0 {
		return 0, "", fmt.Errorf("negative %s duration %q", TagExtInf, durStr)
	}
	return dur, title, nil
}

func parseByteRange(value string) (*ByteRange, error) {
	lengthStr, offsetStr, hasOffset := strings.Cut(strings.TrimSpace(value), "@")
	length, err := strconv.ParseInt(lengthStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s length: %w", TagByteRange, err)
	}
	br := &ByteRange{Length: length, HasOffset: hasOffset}
	if hasOffset {
		if br.Offset, err = strconv.ParseInt(offsetStr, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid %s offset: %w", TagByteRange, err)
		}
	}
	if length < 0 {
		return nil, errors.New("negative byte range length")
	}
	return br, nil
}

func parseDateRange(l Line) DateRange {
	attrs := ParseAttributes(l.TagValue())
	dr := DateRange{
		ID:         attrs["ID"],
		Class:      attrs["CLASS"],
		Attributes: attrs,
		Raw:        l.Text,
	}
	if s, ok := attrs["START-DATE"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			dr.StartDate = t
		}
	}
	dur := attrs["DURATION"]
	if dur == "" {
		dur = attrs["PLANNED-DURATION"]
	}
	if d, err := strconv.ParseFloat(dur, 64); err == nil && d > 0 {
		dr.Duration = time.Duration(d * float64(time.Second))
	}
	return dr
}
