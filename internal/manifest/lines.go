// Package manifest parses and serializes HLS playlists without losing bytes.
//
// Every input line is kept verbatim together with its line terminator, so a
// playlist that is parsed and serialized without edits comes back unchanged.
// Structured views (Master, Media) point into that line list and only rewrite
// the lines they are asked to edit.
package manifest

import (
	"strings"
)

// HeaderTag is the mandatory first line of every HLS playlist.
const HeaderTag = "#EXTM3U"

// LineKind classifies a playlist line.
type LineKind int

const (
	LineBlank LineKind = iota
	LineHeader
	LineTag
	LineComment
	LineURI
)

// Line is a single playlist line.
// EOL holds the original terminator ("\n", "\r\n" or "" on an unterminated last line).
type Line struct {
	Text string
	EOL  string
	Kind LineKind
}

// TagName returns the tag part of a tag line ("#EXT-X-DATERANGE" for
// "#EXT-X-DATERANGE:ID=..."), or "" for non-tag lines.
func (l Line) TagName() string {
	if l.Kind != LineTag && l.Kind != LineHeader {
		return ""
	}
	name, _, _ := strings.Cut(l.Text, ":")
	return strings.TrimSpace(name)
}

// TagValue returns everything after the first colon of a tag line.
func (l Line) TagValue() string {
	_, value, _ := strings.Cut(l.Text, ":")
	return value
}

// String returns the line including its terminator.
func (l Line) String() string {
	return l.Text + l.EOL
}

// SplitLines breaks text into classified lines. Joining the result with
// JoinLines yields text again.
func SplitLines(text string) []Line {
	if text == "" {
		return nil
	}

	lines := make([]Line, 0, strings.Count(text, "\n")+1)
	for len(text) > 0 {
		var raw, eol string
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			raw, text = text, ""
		} else {
			raw, eol, text = text[:idx], "\n", text[idx+1:]
			if strings.HasSuffix(raw, "\r") {
				raw, eol = raw[:len(raw)-1], "\r\n"
			}
		}
		lines = append(lines, Line{Text: raw, EOL: eol, Kind: classify(raw)})
	}
	return lines
}

// JoinLines serializes lines back to playlist text.
func JoinLines(lines []Line) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.Text)
		b.WriteString(l.EOL)
	}
	return b.String()
}

func classify(raw string) LineKind {
	trimmed := strings.TrimSpace(raw)
	switch {
	case trimmed == "":
		return LineBlank
	case trimmed == HeaderTag:
		return LineHeader
	case strings.HasPrefix(trimmed, "#EXT"):
		return LineTag
	case strings.HasPrefix(trimmed, "#"):
		return LineComment
	default:
		return LineURI
	}
}

// newLineLike builds a tag line that reuses the terminator style of ref.
func newLineLike(text string, ref Line) Line {
	eol := ref.EOL
	if eol == "" {
		eol = "\n"
	}
	return Line{Text: text, EOL: eol, Kind: classify(text)}
}

// hasHeader reports whether the first non-blank line is #EXTM3U.
func hasHeader(lines []Line) bool {
	for _, l := range lines {
		if l.Kind == LineBlank {
			continue
		}
		return l.Kind == LineHeader
	}
	return false
}
