package manifest

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// Master playlist tags.
const (
	TagStreamInf = "#EXT-X-STREAM-INF"
	TagMedia     = "#EXT-X-MEDIA"
)

// Variant is one #EXT-X-STREAM-INF entry of a master playlist.
type Variant struct {
	Bandwidth  int64
	Resolution string
	FrameRate  float64
	Codecs     string
	Video      string
	Name       string
	URI        string

	infLine int
	uriLine int
}

// Label returns the quality label players show for the variant, e.g. "1080p60".
// The NAME of a matching video rendition wins over the derived label.
func (v Variant) Label() string {
	if v.Name != "" {
		return v.Name
	}
	if h := v.Height(); h > 0 {
		label := strconv.Itoa(h) + "p"
		if v.FrameRate > 30.5 {
			label += strconv.Itoa(int(math.Round(v.FrameRate)))
		}
		return label
	}
	if v.Video != "" {
		return v.Video
	}
	return "bw" + strconv.FormatInt(v.Bandwidth, 10)
}

// Height returns the vertical resolution, or 0 when unknown.
func (v Variant) Height() int {
	_, h, ok := strings.Cut(v.Resolution, "x")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(h)
	if err != nil {
		return 0
	}
	return n
}

// IsHEVC reports whether the variant's video codec is H.265.
func (v Variant) IsHEVC() bool {
	codecs := strings.ToLower(v.Codecs)
	return strings.Contains(codecs, "hev1") || strings.Contains(codecs, "hvc1")
}

// Rendition is an #EXT-X-MEDIA entry.
type Rendition struct {
	Type    string
	GroupID string
	Name    string
}

// Master is a parsed master (multivariant) playlist.
type Master struct {
	Variants   []Variant
	Renditions []Rendition

	lines []Line
}

// ParseMaster parses a master playlist. Variant attributes are decoded with
// gohlslib when it accepts the playlist and with the built-in attribute
// parser otherwise, so vendor-specific playlists still yield a quality index.
func ParseMaster(text string) (*Master, error) {
	lines := SplitLines(text)
	if !hasHeader(lines) {
		return nil, &ParseError{Err: ErrMissingHeader}
	}

	m, err := indexMaster(lines)
	if err != nil {
		return nil, err
	}
	if !m.decodeStructured(text) {
		m.decodeAttributes()
	}
	m.applyRenditionNames()
	return m, nil
}

func indexMaster(lines []Line) (*Master, error) {
	m := &Master{lines: lines}
	pendingInf := -1
	for i, l := range lines {
		switch {
		case l.TagName() == TagStreamInf:
			if pendingInf >= 0 {
				return nil, parseErr(i+1, "%s without URI", TagStreamInf)
			}
			pendingInf = i
		case l.TagName() == TagMedia:
			attrs := ParseAttributes(l.TagValue())
			m.Renditions = append(m.Renditions, Rendition{
				Type:    attrs["TYPE"],
				GroupID: attrs["GROUP-ID"],
				Name:    attrs["NAME"],
			})
		case l.Kind == LineURI:
			if pendingInf < 0 {
				// Master playlists may carry stray URIs (I-frame lists use tags);
				// anything else is not a variant.
				continue
			}
			m.Variants = append(m.Variants, Variant{
				URI:     strings.TrimSpace(l.Text),
				infLine: pendingInf,
				uriLine: i,
			})
			pendingInf = -1
		}
	}
	if pendingInf >= 0 {
		return nil, parseErr(pendingInf+1, "%s without URI", TagStreamInf)
	}
	if len(m.Variants) == 0 {
		return nil, &ParseError{Err: ErrNoVariants}
	}
	return m, nil
}

func (m *Master) decodeStructured(text string) bool {
	pl, err := playlist.Unmarshal([]byte(text))
	if err != nil {
		return false
	}
	mv, ok := pl.(*playlist.Multivariant)
	if !ok || len(mv.Variants) != len(m.Variants) {
		return false
	}
	for i, pv := range mv.Variants {
		if pv.URI != m.Variants[i].URI {
			return false
		}
	}
	for i, pv := range mv.Variants {
		v := &m.Variants[i]
		v.Bandwidth = int64(pv.Bandwidth)
		v.Resolution = pv.Resolution
		v.Codecs = strings.Join(pv.Codecs, ",")
		v.Video = pv.Video
		if pv.FrameRate != nil {
			v.FrameRate = *pv.FrameRate
		}
	}
	return true
}

func (m *Master) decodeAttributes() {
	for i := range m.Variants {
		v := &m.Variants[i]
		attrs := ParseAttributes(m.lines[v.infLine].TagValue())
		v.Bandwidth, _ = strconv.ParseInt(attrs["BANDWIDTH"], 10, 64)
		v.Resolution = attrs["RESOLUTION"]
		v.Codecs = attrs["CODECS"]
		v.Video = attrs["VIDEO"]
		if fr, err := strconv.ParseFloat(attrs["FRAME-RATE"], 64); err == nil {
			v.FrameRate = fr
		}
	}
}

func (m *Master) applyRenditionNames() {
	for i := range m.Variants {
		v := &m.Variants[i]
		if v.Video == "" {
			continue
		}
		for _, r := range m.Renditions {
			if r.Type == "VIDEO" && r.GroupID == v.Video {
				v.Name = r.Name
				break
			}
		}
	}
}

// Serialize renders the playlist text.
func (m *Master) Serialize() string {
	return JoinLines(m.lines)
}

// RemoveVariant drops the variant with the given URI along with its
// #EXT-X-STREAM-INF line. It refuses to remove the last remaining variant.
func (m *Master) RemoveVariant(uri string) error {
	idx := -1
	for i, v := range m.Variants {
		if v.URI == uri {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("variant %q not found", uri)
	}
	if len(m.Variants) == 1 {
		return fmt.Errorf("cannot remove the only variant %q", uri)
	}

	drop := m.Variants[idx]
	lines := make([]Line, 0, len(m.lines)-2)
	for i, l := range m.lines {
		if i == drop.infLine || i == drop.uriLine {
			continue
		}
		lines = append(lines, l)
	}

	variants := make([]Variant, 0, len(m.Variants)-1)
	for i, v := range m.Variants {
		if i == idx {
			continue
		}
		v.infLine = shiftIndex(v.infLine, drop)
		v.uriLine = shiftIndex(v.uriLine, drop)
		variants = append(variants, v)
	}
	m.lines = lines
	m.Variants = variants
	return nil
}

func shiftIndex(i int, dropped Variant) int {
	n := i
	if i > dropped.infLine {
		n--
	}
	if i > dropped.uriLine {
		n--
	}
	return n
}

// VariantByURI returns the variant whose URI matches uri.
func (m *Master) VariantByURI(uri string) (Variant, bool) {
	for _, v := range m.Variants {
		if v.URI == uri {
			return v, true
		}
	}
	return Variant{}, false
}

// Closest returns the variant that best matches the wanted height and frame
// rate, preferring an exact label match.
func (m *Master) Closest(label string, height int, frameRate float64) Variant {
	for _, v := range m.Variants {
		if label != "" && v.Label() == label {
			return v
		}
	}
	best := m.Variants[0]
	bestScore := math.MaxFloat64
	for _, v := range m.Variants {
		score := math.Abs(float64(v.Height()-height)) + math.Abs(v.FrameRate-frameRate)
		if score < bestScore {
			best, bestScore = v, score
		}
	}
	return best
}

// Lowest returns the variant with the smallest bandwidth.
func (m *Master) Lowest() Variant {
	low := m.Variants[0]
	for _, v := range m.Variants[1:] {
		if v.Bandwidth < low.Bandwidth {
			low = v
		}
	}
	return low
}

// RewriteVariantURIs replaces every variant URI with fn(variant). Variant
// attributes are left untouched.
func (m *Master) RewriteVariantURIs(fn func(Variant) string) {
	for i := range m.Variants {
		v := &m.Variants[i]
		uri := fn(*v)
		m.lines[v.uriLine].Text = uri
		v.URI = uri
	}
}
