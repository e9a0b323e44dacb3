package adblock

import (
	"context"
	"errors"
	"log/slog"

	"hls-adblock/internal/manifest"
	"hls-adblock/internal/upstream"
)

// MediaOption configures one ProcessMediaPlaylist call.
type MediaOption func(*mediaOptions)

type mediaOptions struct {
	playlistURL string
}

// WithPlaylistURL tells the engine which variant the playlist was fetched
// from so backups are resolved at the same quality.
func WithPlaylistURL(u string) MediaOption {
	return func(o *mediaOptions) { o.playlistURL = u }
}

// errSessionCleared aborts a step whose session was cleared during a fetch.
var errSessionCleared = errors.New("session cleared")

// ProcessMediaPlaylist runs one poll of channel's state machine and returns
// the playlist to hand to the player. It never fails: without a session,
// with ad blocking disabled or on a parse error the input is returned as is.
// Host callbacks run after the session lock is released.
func (e *Engine) ProcessMediaPlaylist(ctx context.Context, channel, raw string, opts ...MediaOption) string {
	cfg := e.Config()
	if !cfg.Enabled {
		e.incPlaylist("media", "disabled")
		return raw
	}
	s, ok := e.repo.Get(channel)
	if !ok {
		e.incPlaylist("media", "no_session")
		return raw
	}

	var o mediaOptions
	for _, opt := range opts {
		opt(&o)
	}

	var fx effects
	s.mu.Lock()
	out := e.processMedia(ctx, cfg, s, raw, o, &fx)
	s.mu.Unlock()
	fx.run()
	return out
}

// effects are host callbacks deferred until the session lock is released.
type effects []func()

func (fx *effects) add(fn func()) { *fx = append(*fx, fn) }

func (fx effects) run() {
	for _, fn := range fx {
		fn()
	}
}

func (e *Engine) processMedia(ctx context.Context, cfg Config, s *Session, raw string, o mediaOptions, fx *effects) string {
	log := e.log.With(slog.String("channel", s.Channel), slog.String("session_id", s.ID.String()))

	m, err := manifest.ParseMedia(raw)
	if err != nil {
		log.Warn("media playlist passed through", slog.String("error", err.Error()))
		s.LastError = err.Error()
		e.publish(s, fx)
		e.incPlaylist("media", "parse_error")
		return raw
	}
	if s.HasMedia && m.MediaSequence < s.LastMediaSequence {
		// A small step back into the last window is a lagging response; any
		// other step back is a new stream.
		back := s.LastMediaSequence - m.MediaSequence
		if s.timeline.overlaps(m) && back <= int64(s.timeline.windowLen()) {
			log.Debug("stale media playlist ignored",
				slog.Int64("media_sequence", m.MediaSequence),
				slog.Int64("last_media_sequence", s.LastMediaSequence))
			e.incPlaylist("media", "stale")
			return s.LastOutput
		}
		log.Info("media sequence restarted",
			slog.Int64("media_sequence", m.MediaSequence),
			slog.Int64("last_media_sequence", s.LastMediaSequence))
		s.resetMedia()
	}

	if o.playlistURL != "" {
		if label, ok := s.qualityByURI(o.playlistURL); ok && label != s.CurrentQuality {
			// A deliberate quality switch is not an ad-driven bitrate drop.
			s.CurrentQuality = label
			s.LastKnownBitrate = 0
		}
	}

	out, err := e.step(ctx, cfg, s, m, raw, log, fx)
	if errors.Is(err, errSessionCleared) {
		log.Info("session cleared during fetch, result discarded")
		e.incPlaylist("media", "discarded")
		*fx = nil
		return raw
	}

	s.LastError = ""
	s.LastMediaSequence = m.MediaSequence
	s.HasMedia = true
	s.LastOutput = out
	e.publish(s, fx)
	e.incPlaylist("media", "ok")
	return out
}

// step applies the state machine to one parsed playlist.
func (e *Engine) step(ctx context.Context, cfg Config, s *Session, m *manifest.Media, raw string, log *slog.Logger, fx *effects) (string, error) {
	det := detect(cfg, m, s)
	s.LastKnownBitrate = det.baseline
	s.markSeen(m, det.ads)
	plan := s.timeline.plan(m, det.ads, cfg.StripAdSegments && det.hasContent())

	prev := s.Phase
	phase := prev
	if phase == PhaseReloading {
		phase = s.PendingPhase
	}

	wasInAd := s.inAd()
	var out string
	if !det.active() {
		if wasInAd {
			log.Info("ad interval ended", slog.Duration("duration", e.now().Sub(s.AdStartedAt)))
			s.endAd()
		}
		s.SawContent = true
		phase = PhaseNormal
		out = emit(m, raw, plan, false)
	} else {
		if !wasInAd {
			s.AdStartedAt = e.now()
			s.IsMidroll = det.midroll(s.SawContent)
			log.Info("ad interval started",
				slog.Bool("midroll", s.IsMidroll),
				slog.Bool("marker", det.markerFound),
				slog.Int("ad_segments", det.adCount))
			e.transition(prev, PhaseAdDetected, log)
			prev, phase = PhaseAdDetected, PhaseAdDetected
		}
		var err error
		out, phase, err = e.handleAd(ctx, cfg, s, m, raw, det, plan, phase, log)
		if err != nil {
			return "", err
		}
	}

	entering := det.active() && !wasInAd
	exiting := !det.active() && wasInAd
	phase = e.maybeReload(cfg, s, phase, entering, exiting, log, fx)

	e.transition(prev, phase, log)
	s.Phase = phase
	return out, nil
}

// emit renders m along plan, returning raw when nothing has to change.
func emit(m *manifest.Media, raw string, plan []timelineEntry, dropPrefetch bool) string {
	if !render(m, plan, BlankVideoDataURL(), dropPrefetch) {
		return raw
	}
	return m.Serialize()
}

// handleAd picks the playlist to serve while an ad interval is active.
func (e *Engine) handleAd(ctx context.Context, cfg Config, s *Session, m *manifest.Media, raw string, det detection, plan []timelineEntry, phase Phase, log *slog.Logger) (string, Phase, error) {
	target := backupTarget{
		channel: s.Channel,
		query:   s.UsherQuery,
		header:  e.requestHeaders(s),
		quality: s.Qualities[s.CurrentQuality],
	}

	if phase == PhaseUsingBackup && s.ActiveIdentity != "" {
		b, err := e.resolver.Refresh(ctx, cfg, target, Backup{Identity: s.ActiveIdentity, MediaURL: s.BackupMediaURL})
		if !e.alive(s) {
			return "", phase, errSessionCleared
		}
		if err == nil {
			s.BackupCache[b.Identity] = b.Text
			e.incBackup("refreshed")
			s.timeline.detach()
			return b.Text, PhaseUsingBackup, nil
		}
		var open *upstream.CircuitOpenError
		if cached, ok := s.BackupCache[s.ActiveIdentity]; ok && errors.As(err, &open) {
			// The host is cooling down; the identity itself has not failed.
			log.Debug("backup refresh deferred, serving cached playlist",
				slog.String("identity", s.ActiveIdentity),
				slog.Time("retry_at", open.RetryAt))
			e.incBackup("cached")
			s.timeline.detach()
			return cached, PhaseUsingBackup, nil
		}
		log.Info("active backup lost",
			slog.String("identity", s.ActiveIdentity),
			slog.String("error", err.Error()))
		e.incBackup("lost")
		s.FailedIdentities[s.ActiveIdentity] = true
		s.ActiveIdentity = ""
		s.BackupMediaURL = ""
	}

	b, failed, err := e.resolver.Resolve(ctx, cfg, target, s.FailedIdentities)
	if !e.alive(s) {
		return "", phase, errSessionCleared
	}
	for _, id := range failed {
		s.FailedIdentities[id] = true
	}
	if err == nil {
		if s.ActiveIdentity != b.Identity {
			log.Info("using backup playlist", slog.String("identity", b.Identity))
		}
		s.ActiveIdentity = b.Identity
		s.BackupMediaURL = b.MediaURL
		s.BackupCache[b.Identity] = b.Text
		s.FallbackActive = false
		s.StrippingActive = false
		e.incBackup("resolved")
		s.timeline.detach()
		return b.Text, PhaseUsingBackup, nil
	}
	if len(failed) > 0 {
		e.incBackup("exhausted")
	}

	if cfg.StripAdSegments && det.hasContent() {
		e.addStripped(s.countStripped(m, det.ads, plan))
		s.FallbackActive = false
		s.StrippingActive = true
		return emit(m, raw, plan, true), PhaseStripping, nil
	}

	if !s.FallbackActive {
		log.Warn("backups exhausted, using fallback", slog.String("mode", string(cfg.SubstitutionMode)))
	}
	s.FallbackActive = true
	if cfg.SubstitutionMode == SubstitutionPassthrough {
		fb, err := e.resolver.FetchFallback(ctx, cfg, target)
		if !e.alive(s) {
			return "", phase, errSessionCleared
		}
		if err == nil {
			s.StrippingActive = false
			e.incBackup("fallback")
			s.timeline.detach()
			return fb.Text, PhaseFallback, nil
		}
		log.Info("fallback passthrough unavailable, substituting blank video", slog.String("error", err.Error()))
	}

	e.addStripped(s.countStripped(m, det.ads, plan))
	s.StrippingActive = true
	return emit(m, raw, plan, true), PhaseFallback, nil
}

// maybeReload moves to PhaseReloading when the configuration asks for a
// player reload on this ad edge. Skip-on-HEVC only vetoes new reloads; a
// reload already under way resumes its pending phase on the next poll.
func (e *Engine) maybeReload(cfg Config, s *Session, phase Phase, entering, exiting bool, log *slog.Logger, fx *effects) Phase {
	if !(entering && cfg.ReloadOnAdEntry) && !(exiting && cfg.ReloadOnAdExit) {
		return phase
	}

	now := e.now()
	window := cfg.ReloadSuppressionWindow.Std()
	switch {
	case s.IsHEVC && cfg.SkipReloadOnHEVC:
		log.Info("player reload skipped for hevc stream")
		e.incReload("skipped_hevc")
		return phase
	case !s.LastReloadAt.IsZero() && now.Sub(s.LastReloadAt) < window:
		log.Info("player reload suppressed", slog.Duration("since_last", now.Sub(s.LastReloadAt)))
		s.ReloadSuppressed = true
		e.incReload("suppressed")
		return phase
	}

	s.ReloadSuppressed = false
	s.LastReloadAt = now
	s.PendingPhase = phase
	e.incReload("reloaded")
	log.Info("reloading player", slog.Bool("ad_entry", entering))

	cb, channel := e.playerCallbacks(), s.Channel
	fx.add(func() {
		if cb.Reload != nil {
			cb.Reload(channel)
			return
		}
		if cb.Pause != nil {
			cb.Pause(channel)
		}
		if cb.Play != nil {
			cb.Play(channel)
		}
	})
	return PhaseReloading
}

func (e *Engine) transition(from, to Phase, log *slog.Logger) {
	if from == to {
		return
	}
	log.Debug("phase transition", slog.String("from", from.String()), slog.String("to", to.String()))
	if e.metrics != nil {
		e.metrics.IncPhaseTransition(from.String(), to.String())
	}
}

// publish stores the session snapshot and queues a notification when it
// changed.
func (e *Engine) publish(s *Session, fx *effects) {
	if s.publish() {
		st := s.Status()
		fx.add(func() { e.notifyIfCurrent(s, st) })
	}
}

func (e *Engine) incBackup(outcome string) {
	if e.metrics != nil {
		e.metrics.IncBackupFetch(outcome)
	}
}

func (e *Engine) incReload(result string) {
	if e.metrics != nil {
		e.metrics.IncPlayerReload(result)
	}
}

func (e *Engine) addStripped(n int) {
	if e.metrics != nil && n > 0 {
		e.metrics.AddStrippedSegments(n)
	}
}
