package adblock

import (
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hls-adblock/internal/manifest"
)

// Phase is the state of a session's ad-handling state machine.
type Phase int

const (
	// PhaseNormal serves the primary source; no ad is playing.
	PhaseNormal Phase = iota
	// PhaseAdDetected is entered when an ad interval starts, before a backup is resolved.
	PhaseAdDetected
	// PhaseUsingBackup serves an ad-free playlist fetched under another player identity.
	PhaseUsingBackup
	// PhaseStripping removes ad segments from the primary playlist.
	PhaseStripping
	// PhaseFallback substitutes ad segments once backups and stripping are exhausted.
	PhaseFallback
	// PhaseReloading lasts one poll after a forced player reload.
	PhaseReloading
)

var phaseNames = map[Phase]string{
	PhaseNormal:      "normal",
	PhaseAdDetected:  "ad_detected",
	PhaseUsingBackup: "using_backup",
	PhaseStripping:   "stripping",
	PhaseFallback:    "fallback",
	PhaseReloading:   "reloading",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Quality is one entry of a session's quality index.
type Quality struct {
	Label      string  `json:"label"`
	Resolution string  `json:"resolution,omitempty"`
	Height     int     `json:"height,omitempty"`
	FrameRate  float64 `json:"frameRate,omitempty"`
	Codecs     string  `json:"codecs,omitempty"`
	Bandwidth  int64   `json:"bandwidth"`
	URI        string  `json:"uri"`
}

// Session is the ad-blocking state of one watched channel. Processing calls
// for a channel are serialized on mu; status readers use the published
// snapshot and never touch the fields.
type Session struct {
	mu sync.Mutex

	ID      uuid.UUID
	Channel string
	Phase   Phase
	// PendingPhase is resumed on the poll after PhaseReloading.
	PendingPhase Phase

	RawMaster       string
	RewrittenMaster string
	UsherQuery      url.Values
	AuthHeaders     http.Header
	Qualities       map[string]Quality
	QualityOrder    []string
	CurrentQuality  string
	IsHEVC          bool

	BackupCache      map[string]string
	ActiveIdentity   string
	BackupMediaURL   string
	FailedIdentities map[string]bool

	// SeenAds holds ad segment URIs; the value records whether the segment
	// was already counted as stripped.
	SeenAds       map[string]bool
	StrippedCount int64

	AdStartedAt      time.Time
	IsMidroll        bool
	SawContent       bool
	LastKnownBitrate float64
	LastReloadAt     time.Time
	ReloadSuppressed bool
	FallbackActive   bool
	// StrippingActive is set while the emitted playlist has ad segments
	// removed or replaced.
	StrippingActive bool

	LastMediaSequence int64
	HasMedia          bool
	LastOutput        string
	LastError         string

	timeline timeline

	status atomic.Pointer[Status]
}

// NewSession returns an empty session for channel.
func NewSession(channel string) *Session {
	s := &Session{
		ID:               uuid.New(),
		Channel:          channel,
		Qualities:        make(map[string]Quality),
		BackupCache:      make(map[string]string),
		FailedIdentities: make(map[string]bool),
		SeenAds:          make(map[string]bool),
	}
	s.publish()
	return s
}

// Status returns the last published snapshot.
func (s *Session) Status() Status {
	if st := s.status.Load(); st != nil {
		return *st
	}
	return Status{ChannelName: s.Channel}
}

// publish stores a fresh snapshot and reports whether it differs from the
// previous one.
func (s *Session) publish() bool {
	next := s.snapshot()
	prev := s.status.Swap(&next)
	return prev == nil || *prev != next
}

func (s *Session) inAd() bool {
	return !s.AdStartedAt.IsZero()
}

// rebuildQualities replaces the quality index with the variants of m.
func (s *Session) rebuildQualities(m *manifest.Master) {
	s.Qualities = make(map[string]Quality, len(m.Variants))
	s.QualityOrder = s.QualityOrder[:0]
	for _, v := range m.Variants {
		label := v.Label()
		if _, dup := s.Qualities[label]; dup {
			continue
		}
		s.Qualities[label] = Quality{
			Label:      label,
			Resolution: v.Resolution,
			Height:     v.Height(),
			FrameRate:  v.FrameRate,
			Codecs:     v.Codecs,
			Bandwidth:  v.Bandwidth,
			URI:        v.URI,
		}
		s.QualityOrder = append(s.QualityOrder, label)
	}
	if _, ok := s.Qualities[s.CurrentQuality]; !ok {
		s.CurrentQuality = ""
		if len(s.QualityOrder) > 0 {
			s.CurrentQuality = s.QualityOrder[0]
		}
	}
}

// qualityByURI returns the label of the variant whose URI is uri.
func (s *Session) qualityByURI(uri string) (string, bool) {
	for _, label := range s.QualityOrder {
		if s.Qualities[label].URI == uri {
			return label, true
		}
	}
	return "", false
}

// endAd resets every per-interval field.
func (s *Session) endAd() {
	s.AdStartedAt = time.Time{}
	s.IsMidroll = false
	s.ActiveIdentity = ""
	s.BackupMediaURL = ""
	s.FailedIdentities = make(map[string]bool)
	s.FallbackActive = false
	s.StrippingActive = false
}

// markSeen records the ad URIs of this poll and forgets ads that have left
// the live window.
func (s *Session) markSeen(m *manifest.Media, ads []bool) {
	present := make(map[string]bool, len(m.Segments))
	for i, seg := range m.Segments {
		present[seg.URI] = true
		if ads[i] {
			if _, ok := s.SeenAds[seg.URI]; !ok {
				s.SeenAds[seg.URI] = false
			}
		}
	}
	for uri := range s.SeenAds {
		if !present[uri] {
			delete(s.SeenAds, uri)
		}
	}
}

// countStripped counts each ad segment of m once, the first time an edit
// removes or replaces it, and returns how many were newly counted.
func (s *Session) countStripped(m *manifest.Media, ads []bool, plan []timelineEntry) int {
	n := 0
	for i, seg := range m.Segments {
		if !ads[i] || plan[i].kind == kindContent {
			continue
		}
		if counted := s.SeenAds[seg.URI]; counted {
			continue
		}
		s.SeenAds[seg.URI] = true
		n++
	}
	s.StrippedCount += int64(n)
	return n
}

// resetMedia forgets the media sequence position so the next media playlist
// is taken as is.
func (s *Session) resetMedia() {
	s.HasMedia = false
	s.LastMediaSequence = 0
	s.timeline.reset()
}
