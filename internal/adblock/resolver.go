package adblock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"hls-adblock/internal/manifest"
	"hls-adblock/internal/upstream"
)

var (
	// ErrBackupsExhausted is returned when every backup identity failed
	// within the current ad interval.
	ErrBackupsExhausted = errors.New("all backup player identities failed")
	// ErrBackupHasAds is returned when a backup playlist still carries ads.
	ErrBackupHasAds = errors.New("backup playlist carries ad markers")
	// ErrNoUsherURL is returned when no usher base URL is configured.
	ErrNoUsherURL = errors.New("usher base URL not configured")
)

// Fetcher executes upstream requests. *upstream.Client implements it.
type Fetcher interface {
	Execute(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

// backupTarget is what the resolver needs to know about a session.
type backupTarget struct {
	channel string
	query   url.Values
	header  http.Header
	quality Quality
}

// Backup is an ad-free media playlist fetched under another player identity.
type Backup struct {
	Identity string
	MediaURL string
	Text     string
}

// Resolver fetches alternate media playlists for a channel.
type Resolver struct {
	client Fetcher
	log    *slog.Logger
}

// NewResolver returns a Resolver that fetches through client.
func NewResolver(client Fetcher, log *slog.Logger) *Resolver {
	return &Resolver{client: client, log: log}
}

// Resolve tries each configured identity in order, skipping those in failed,
// and returns the first clean backup. Identities that fail during this call
// are returned in newlyFailed.
func (r *Resolver) Resolve(ctx context.Context, cfg Config, t backupTarget, failed map[string]bool) (Backup, []string, error) {
	var newlyFailed []string
	for _, identity := range cfg.BackupPlayerIdentities {
		if failed[identity] {
			continue
		}
		b, err := r.fetchIdentity(ctx, cfg, t, identity, func(m *manifest.Master) manifest.Variant {
			return m.Closest(t.quality.Label, t.quality.Height, t.quality.FrameRate)
		})
		if err != nil {
			r.log.Info("backup identity unavailable",
				slog.String("channel", t.channel),
				slog.String("identity", identity),
				slog.String("error", err.Error()))
			newlyFailed = append(newlyFailed, identity)
			continue
		}
		return b, newlyFailed, nil
	}
	return Backup{}, newlyFailed, ErrBackupsExhausted
}

// Refresh re-fetches the media playlist of an active backup.
func (r *Resolver) Refresh(ctx context.Context, cfg Config, t backupTarget, b Backup) (Backup, error) {
	text, err := r.fetchMedia(ctx, cfg, t.header, b.MediaURL)
	if err != nil {
		return Backup{}, err
	}
	b.Text = text
	return b, nil
}

// FetchFallback fetches the lowest-bandwidth variant of the fallback identity.
func (r *Resolver) FetchFallback(ctx context.Context, cfg Config, t backupTarget) (Backup, error) {
	if cfg.FallbackPlayerIdentity == "" {
		return Backup{}, errors.New("no fallback player identity configured")
	}
	return r.fetchIdentity(ctx, cfg, t, cfg.FallbackPlayerIdentity, (*manifest.Master).Lowest)
}

func (r *Resolver) fetchIdentity(ctx context.Context, cfg Config, t backupTarget, identity string, pick func(*manifest.Master) manifest.Variant) (Backup, error) {
	masterURL, err := usherURL(cfg, t.channel, t.query, identity)
	if err != nil {
		return Backup{}, err
	}

	resp, err := r.client.Execute(ctx, upstream.Request{
		URL:      masterURL,
		Header:   t.header,
		DedupKey: masterURL,
	})
	if err != nil {
		return Backup{}, fmt.Errorf("fetch master: %w", err)
	}
	master, err := manifest.ParseMaster(resp.Text())
	if err != nil {
		return Backup{}, fmt.Errorf("parse master: %w", err)
	}

	mediaURL, err := resolveReference(masterURL, pick(master).URI)
	if err != nil {
		return Backup{}, err
	}
	text, err := r.fetchMedia(ctx, cfg, t.header, mediaURL)
	if err != nil {
		return Backup{}, err
	}
	return Backup{Identity: identity, MediaURL: mediaURL, Text: text}, nil
}

func (r *Resolver) fetchMedia(ctx context.Context, cfg Config, header http.Header, mediaURL string) (string, error) {
	resp, err := r.client.Execute(ctx, upstream.Request{
		URL:      mediaURL,
		Header:   header,
		DedupKey: mediaURL,
	})
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	text := resp.Text()
	if _, err := manifest.ParseMedia(text); err != nil {
		return "", fmt.Errorf("parse media: %w", err)
	}
	if cfg.AdSignifier != "" && strings.Contains(text, cfg.AdSignifier) {
		return "", ErrBackupHasAds
	}
	return text, nil
}

// usherURL builds the master playlist URL for channel under identity, keeping
// every other query parameter of the original request.
func usherURL(cfg Config, channel string, query url.Values, identity string) (string, error) {
	if cfg.UsherBaseURL == "" {
		return "", ErrNoUsherURL
	}
	q := url.Values{}
	for k, vs := range query {
		q[k] = append([]string(nil), vs...)
	}
	if identity != "" {
		q.Set(cfg.PlayerIdentityParam, identity)
	}
	u := strings.TrimSuffix(cfg.UsherBaseURL, "/") + "/" + url.PathEscape(channel) + ".m3u8"
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u, nil
}

func resolveReference(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse variant url: %w", err)
	}
	return b.ResolveReference(r).String(), nil
}
