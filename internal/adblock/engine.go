// Package adblock implements the ad-insertion mitigation engine: per-channel
// sessions that watch HLS playlists, detect inserted ads and rewrite the
// playlists so players keep showing content.
package adblock

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"hls-adblock/internal/manifest"
	"hls-adblock/internal/platform/metrics"
)

// PlayerCallbacks control the host's video element for a channel. Any of
// them may be nil.
type PlayerCallbacks struct {
	Pause  func(channel string)
	Play   func(channel string)
	Reload func(channel string)
}

// Engine owns the session registry and the process-wide configuration.
// Processing calls for one channel are serialized; calls for different
// channels run concurrently.
type Engine struct {
	cfg   atomic.Pointer[Config]
	cfgMu sync.Mutex

	repo     Repository
	resolver *Resolver
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	cbMu     sync.RWMutex
	onStatus func(Status)
	player   PlayerCallbacks

	authMu      sync.RWMutex
	authHeaders http.Header
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics enables metric recording.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRepository replaces the in-memory session registry.
func WithRepository(r Repository) Option {
	return func(e *Engine) { e.repo = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine validates cfg and returns an engine that fetches backups
// through client.
func NewEngine(cfg Config, client Fetcher, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		repo: NewInMemoryRepository(),
		log:  slog.Default(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.resolver = NewResolver(client, e.log)
	c := cfg.clone()
	e.cfg.Store(&c)
	return e, nil
}

// Config returns a copy of the current configuration.
func (e *Engine) Config() Config {
	return e.cfg.Load().clone()
}

// IsAdBlockEnabled reports whether ad blocking is enabled.
func (e *Engine) IsAdBlockEnabled() bool {
	return e.cfg.Load().Enabled
}

// UpdateAdBlockConfig applies a partial update. An invalid result is rejected
// with a *ConfigError and the previous configuration stays in effect.
func (e *Engine) UpdateAdBlockConfig(u ConfigUpdate) (Config, error) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()

	next := u.Apply(*e.cfg.Load())
	if err := next.Validate(); err != nil {
		e.log.Warn("config update rejected", slog.String("error", err.Error()))
		e.incConfigUpdate("rejected")
		return e.Config(), err
	}
	e.cfg.Store(&next)
	e.incConfigUpdate("applied")
	e.log.Info("config updated",
		slog.Bool("enabled", next.Enabled),
		slog.Any("backup_player_identities", next.BackupPlayerIdentities),
		slog.String("substitution_mode", string(next.SubstitutionMode)),
	)
	return next.clone(), nil
}

// SetStatusChangeCallback registers fn to be called synchronously with the
// new snapshot whenever a session's status changes. nil unregisters.
func (e *Engine) SetStatusChangeCallback(fn func(Status)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onStatus = fn
}

// SetPlayerCallbacks registers the host's player controls.
func (e *Engine) SetPlayerCallbacks(cb PlayerCallbacks) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.player = cb
}

// SetAuthHeaders sets headers sent with every backup request. Headers given
// to ProcessMasterPlaylist override them per channel.
func (e *Engine) SetAuthHeaders(h http.Header) {
	e.authMu.Lock()
	defer e.authMu.Unlock()
	e.authHeaders = h.Clone()
}

// IsAdSegment classifies a segment under the current configuration.
func (e *Engine) IsAdSegment(meta SegmentMetadata) bool {
	return IsAdSegment(meta, *e.cfg.Load())
}

// GetBlankVideoDataURL returns the blank segment substituted for ads.
func (e *Engine) GetBlankVideoDataURL() string {
	return BlankVideoDataURL()
}

// GetAdBlockStatus returns the status of channel. Channels without a session
// report IsActive false.
func (e *Engine) GetAdBlockStatus(channel string) Status {
	s, ok := e.repo.Get(channel)
	if !ok {
		return inactiveStatus(channel)
	}
	return s.Status()
}

// ActiveSessionCount returns the number of registered sessions.
func (e *Engine) ActiveSessionCount() int {
	return e.repo.ActiveSessionCount()
}

// Channels returns the channels with a session.
func (e *Engine) Channels() []string {
	return e.repo.Channels()
}

// ClearStreamInfo removes the session for channel. A fetch in flight for the
// channel completes but its result is discarded.
func (e *Engine) ClearStreamInfo(channel string) {
	if e.repo.Remove(channel) {
		e.log.Info("session cleared", slog.String("channel", channel))
		e.notify(inactiveStatus(channel))
	}
}

// MediaURL returns the media playlist URL of quality for channel. An empty
// quality selects the session's current quality.
func (e *Engine) MediaURL(channel, quality string) (string, bool) {
	s, ok := e.repo.Get(channel)
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if quality == "" {
		quality = s.CurrentQuality
	}
	q, ok := s.Qualities[quality]
	return q.URI, ok
}

// ProcessMasterPlaylist records the master playlist of channel, creating the
// session on first use, and returns the playlist to hand to the player.
// query holds the usher query parameters of the request and auth the
// headers to repeat on backup requests.
func (e *Engine) ProcessMasterPlaylist(channel, raw string, query url.Values, auth http.Header) string {
	cfg := e.cfg.Load()
	if !cfg.Enabled {
		e.incPlaylist("master", "disabled")
		return raw
	}

	s, created := e.repo.GetOrCreate(channel)
	if created {
		e.log.Info("session created", slog.String("channel", channel), slog.String("session_id", s.ID.String()))
	}

	s.mu.Lock()
	s.RawMaster = raw
	s.UsherQuery = cloneValues(query)
	s.AuthHeaders = auth.Clone()
	// A new master may start a new stream; the stale guard restarts with it.
	s.HasMedia = false
	s.LastMediaSequence = 0

	out := raw
	m, err := manifest.ParseMaster(raw)
	if err != nil {
		e.log.Warn("master playlist passed through",
			slog.String("channel", channel),
			slog.String("error", err.Error()))
		s.LastError = err.Error()
		e.incPlaylist("master", "parse_error")
	} else {
		s.LastError = ""
		if cfg.StripHEVCVariants {
			if n := stripHEVCVariants(m); n > 0 {
				out = m.Serialize()
				e.log.Debug("hevc variants removed", slog.String("channel", channel), slog.Int("count", n))
			}
		}
		s.rebuildQualities(m)
		s.IsHEVC = m.Variants[0].IsHEVC()
		e.incPlaylist("master", "ok")
	}
	s.RewrittenMaster = out
	changed := s.publish() || created
	status := s.Status()
	s.mu.Unlock()

	if changed {
		e.notifyIfCurrent(s, status)
	}
	return out
}

// MasterPlaylist returns the last master playlist recorded for channel as
// received and as handed to the player.
func (e *Engine) MasterPlaylist(channel string) (raw, rewritten string, ok bool) {
	s, ok := e.repo.Get(channel)
	if !ok {
		return "", "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RawMaster == "" {
		return "", "", false
	}
	return s.RawMaster, s.RewrittenMaster, true
}

// stripHEVCVariants removes H.265 variants when an H.264 one exists.
func stripHEVCVariants(m *manifest.Master) int {
	hasAVC := false
	var hevc []string
	for _, v := range m.Variants {
		if v.IsHEVC() {
			hevc = append(hevc, v.URI)
		} else {
			hasAVC = true
		}
	}
	if !hasAVC {
		return 0
	}
	n := 0
	for _, uri := range hevc {
		if err := m.RemoveVariant(uri); err == nil {
			n++
		}
	}
	return n
}

// alive reports whether s is still the registered session of its channel.
func (e *Engine) alive(s *Session) bool {
	cur, ok := e.repo.Get(s.Channel)
	return ok && cur == s
}

func (e *Engine) notifyIfCurrent(s *Session, st Status) {
	if e.alive(s) {
		e.notify(st)
	}
}

func (e *Engine) notify(st Status) {
	e.cbMu.RLock()
	fn := e.onStatus
	e.cbMu.RUnlock()
	if fn != nil {
		fn(st)
	}
}

func (e *Engine) playerCallbacks() PlayerCallbacks {
	e.cbMu.RLock()
	defer e.cbMu.RUnlock()
	return e.player
}

// requestHeaders merges the engine-wide auth headers with the session's.
func (e *Engine) requestHeaders(s *Session) http.Header {
	e.authMu.RLock()
	h := e.authHeaders.Clone()
	e.authMu.RUnlock()
	if h == nil {
		h = http.Header{}
	}
	for k, vs := range s.AuthHeaders {
		h[k] = append([]string(nil), vs...)
	}
	return h
}

func (e *Engine) incPlaylist(kind, result string) {
	if e.metrics != nil {
		e.metrics.IncPlaylistProcessed(kind, result)
	}
}

func (e *Engine) incConfigUpdate(result string) {
	if e.metrics != nil {
		e.metrics.IncConfigUpdate(result)
	}
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// IsConfigError reports whether err is a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
