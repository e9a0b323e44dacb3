package adblock

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-adblock/internal/platform/metrics"
	"hls-adblock/internal/upstream"
)

const primaryMaster = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,CODECS="avc1.4D401F,mp4a.40.2",FRAME-RATE=30.000
https://primary.example/720p30.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=600000,RESOLUTION=640x360,CODECS="avc1.4D401E,mp4a.40.2",FRAME-RATE=30.000
https://primary.example/360p30.m3u8
`

const hevcMaster = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=6000000,RESOLUTION=1920x1080,CODECS="hvc1.1.6.L123.B0,mp4a.40.2",FRAME-RATE=60.000
https://primary.example/1080p60.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,CODECS="avc1.4D401F,mp4a.40.2",FRAME-RATE=30.000
https://primary.example/720p30.m3u8
`

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeUsher serves master playlists per player identity under
// /api/channel/hls/ and their media playlists under /media/{identity}/.
// Requests without an identity are served as "primary".
type fakeUsher struct {
	mu       sync.Mutex
	hits     map[string]int
	failing  map[string]int
	adMedia  map[string]bool
	gates    map[string]chan struct{}
	lastAuth string
	lastSig  string
}

func newFakeUsher(t *testing.T) (*fakeUsher, *httptest.Server) {
	t.Helper()
	f := &fakeUsher{
		hits:    make(map[string]int),
		failing: make(map[string]int),
		adMedia: make(map[string]bool),
		gates:   make(map[string]chan struct{}),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeUsher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var key, id string
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/channel/hls/"):
		id = r.URL.Query().Get("player_type")
		if id == "" {
			id = "primary"
		}
		key = "master:" + id
	case strings.HasPrefix(r.URL.Path, "/media/"):
		id, _, _ = strings.Cut(strings.TrimPrefix(r.URL.Path, "/media/"), "/")
		key = "media:" + id
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	f.mu.Lock()
	f.hits[key]++
	status := f.failing[id]
	withAds := f.adMedia[id]
	gate := f.gates[key]
	f.lastAuth = r.Header.Get("Authorization")
	if sig := r.URL.Query().Get("sig"); sig != "" {
		f.lastSig = sig
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	if strings.HasPrefix(key, "master:") {
		fmt.Fprintf(w, "#EXTM3U\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,CODECS=\"avc1.4D401F,mp4a.40.2\",FRAME-RATE=30.000\n/media/%[1]s/720p30.m3u8\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=600000,RESOLUTION=640x360,CODECS=\"avc1.4D401E,mp4a.40.2\",FRAME-RATE=30.000\n/media/%[1]s/360p30.m3u8\n", id)
		return
	}
	io.WriteString(w, backupMedia(id, withAds))
}

func (f *fakeUsher) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[key]
}

func (f *fakeUsher) update(fn func(f *fakeUsher)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func backupMedia(identity string, withAds bool) string {
	title := "live"
	if withAds {
		title = adTitle
	}
	return "#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:500\n" +
		"#EXTINF:2.000," + title + "\nhttps://backup.example/" + identity + "/seg500.ts\n"
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestClientFor(t *testing.T) *upstream.Client {
	t.Helper()
	c := upstream.New(upstream.Config{
		RetryAttempts:    -1,
		CircuitThreshold: 1000,
		Timeout:          5 * time.Second,
		Logger:           quietLog,
	})
	t.Cleanup(c.Close)
	return c
}

func newTestEngine(t *testing.T, srv *httptest.Server, client *upstream.Client, mutate func(c *Config), opts ...Option) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.UsherBaseURL = srv.URL + "/api/channel/hls"
	cfg.BackupPlayerIdentities = []string{"embed", "popout"}
	if mutate != nil {
		mutate(&cfg)
	}
	if client == nil {
		client = newTestClientFor(t)
	}
	e, err := NewEngine(cfg, client, append([]Option{WithLogger(quietLog)}, opts...)...)
	require.NoError(t, err)
	return e
}

func scrapeMetrics(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func startSession(t *testing.T, e *Engine, master string) {
	t.Helper()
	out := e.ProcessMasterPlaylist("chan1", master, url.Values{"sig": {"abc"}}, http.Header{"Authorization": {"OAuth tok"}})
	require.Equal(t, master, out)
}

func TestNewEngine_invalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SubstitutionMode = "mute"
	_, err := NewEngine(cfg, newTestClientFor(t))
	assert.True(t, IsConfigError(err))
}

func TestEngine_disabledPassesThrough(t *testing.T) {
	_, srv := newFakeUsher(t)
	e := newTestEngine(t, srv, nil, func(c *Config) { c.Enabled = false })

	assert.Equal(t, primaryMaster, e.ProcessMasterPlaylist("chan1", primaryMaster, nil, nil))
	raw := buildMedia(1, "live", adTitle)
	assert.Equal(t, raw, e.ProcessMediaPlaylist(context.Background(), "chan1", raw))
	assert.Zero(t, e.ActiveSessionCount())
	assert.False(t, e.GetAdBlockStatus("chan1").IsActive)
	assert.False(t, e.IsAdBlockEnabled())
}

func TestEngine_noSessionPassesThrough(t *testing.T) {
	_, srv := newFakeUsher(t)
	e := newTestEngine(t, srv, nil, nil)

	raw := buildMedia(1, adTitle)
	assert.Equal(t, raw, e.ProcessMediaPlaylist(context.Background(), "unknown", raw))
	assert.Equal(t, inactiveStatus("unknown"), e.GetAdBlockStatus("unknown"))
}

func TestEngine_ProcessMasterPlaylist(t *testing.T) {
	_, srv := newFakeUsher(t)
	e := newTestEngine(t, srv, nil, nil)

	var statuses []Status
	e.SetStatusChangeCallback(func(st Status) { statuses = append(statuses, st) })
	startSession(t, e, primaryMaster)

	st := e.GetAdBlockStatus("chan1")
	assert.True(t, st.IsActive)
	assert.Equal(t, "chan1", st.ChannelName)
	assert.Equal(t, PhaseNormal, st.Phase)
	require.Len(t, statuses, 1)
	assert.Equal(t, []string{"chan1"}, e.Channels())

	u, ok := e.MediaURL("chan1", "")
	require.True(t, ok)
	assert.Equal(t, "https://primary.example/720p30.m3u8", u)
	u, ok = e.MediaURL("chan1", "360p")
	require.True(t, ok)
	assert.Equal(t, "https://primary.example/360p30.m3u8", u)
	_, ok = e.MediaURL("chan1", "4k")
	assert.False(t, ok)

	t.Run("parse_error_passes_through", func(t *testing.T) {
		out := e.ProcessMasterPlaylist("chan1", "not a playlist", nil, nil)
		assert.Equal(t, "not a playlist", out)
		assert.NotEmpty(t, e.GetAdBlockStatus("chan1").LastError)
	})
}

func TestEngine_stripHEVCVariants(t *testing.T) {
	_, srv := newFakeUsher(t)
	e := newTestEngine(t, srv, nil, func(c *Config) { c.StripHEVCVariants = true })

	out := e.ProcessMasterPlaylist("chan1", hevcMaster, nil, nil)
	assert.NotContains(t, out, "hvc1")
	assert.Contains(t, out, "720p30.m3u8")
	_, ok := e.MediaURL("chan1", "1080p60")
	assert.False(t, ok)
}

func TestEngine_contentOnlyIsUnchanged(t *testing.T) {
	_, srv := newFakeUsher(t)
	e := newTestEngine(t, srv, nil, nil)
	startSession(t, e, primaryMaster)

	raw := buildMedia(10, "live", "live", "live")
	assert.Equal(t, raw, e.ProcessMediaPlaylist(context.Background(), "chan1", raw))
	st := e.GetAdBlockStatus("chan1")
	assert.False(t, st.IsShowingAd)
	assert.Equal(t, PhaseNormal, st.Phase)
}

func TestEngine_backupSkipsFailedIdentity(t *testing.T) {
	f, srv := newFakeUsher(t)
	f.update(func(f *fakeUsher) { f.failing["embed"] = http.StatusServiceUnavailable })
	e := newTestEngine(t, srv, nil, nil)
	startSession(t, e, primaryMaster)
	ctx := context.Background()

	e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(10, "live", "live"))
	out := e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(11, "live", adTitle))
	assert.Equal(t, backupMedia("popout", false), out)

	st := e.GetAdBlockStatus("chan1")
	assert.True(t, st.IsShowingAd)
	assert.True(t, st.IsMidroll)
	assert.Equal(t, "popout", st.ActivePlayerIdentity)
	assert.Equal(t, PhaseUsingBackup, st.Phase)
	assert.False(t, st.AdStartTime.IsZero())
	assert.Equal(t, 1, f.count("master:embed"))
	assert.Equal(t, "abc", f.lastSig)
	assert.Equal(t, "OAuth tok", f.lastAuth)

	// The failed identity is not retried within the interval; the active
	// backup is refreshed instead.
	out = e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(12, adTitle, adTitle))
	assert.Equal(t, backupMedia("popout", false), out)
	assert.Equal(t, 1, f.count("master:embed"))
	assert.Equal(t, 1, f.count("master:popout"))
	assert.Equal(t, 2, f.count("media:popout"))

	raw := buildMedia(14, "live", "live")
	assert.Equal(t, raw, e.ProcessMediaPlaylist(ctx, "chan1", raw))
	st = e.GetAdBlockStatus("chan1")
	assert.False(t, st.IsShowingAd)
	assert.Empty(t, st.ActivePlayerIdentity)
	assert.Equal(t, PhaseNormal, st.Phase)

	// A new interval starts with a clean failure set.
	e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(16, "live", adTitle))
	assert.Equal(t, 2, f.count("master:embed"))
}

func TestEngine_backupWithAdsIsRejected(t *testing.T) {
	f, srv := newFakeUsher(t)
	f.update(func(f *fakeUsher) { f.adMedia["embed"] = true })
	e := newTestEngine(t, srv, nil, nil)
	startSession(t, e, primaryMaster)

	out := e.ProcessMediaPlaylist(context.Background(), "chan1", buildMedia(1, "live", adTitle))
	assert.Equal(t, backupMedia("popout", false), out)
	assert.Equal(t, "popout", e.GetAdBlockStatus("chan1").ActivePlayerIdentity)
}

func TestEngine_activeBackupLost(t *testing.T) {
	f, srv := newFakeUsher(t)
	e := newTestEngine(t, srv, nil, nil)
	startSession(t, e, primaryMaster)
	ctx := context.Background()

	e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(1, "live", adTitle))
	require.Equal(t, "embed", e.GetAdBlockStatus("chan1").ActivePlayerIdentity)

	f.update(func(f *fakeUsher) { f.failing["embed"] = http.StatusServiceUnavailable })
	out := e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(2, adTitle, adTitle))
	assert.Equal(t, backupMedia("popout", false), out)
	assert.Equal(t, "popout", e.GetAdBlockStatus("chan1").ActivePlayerIdentity)
}

func TestEngine_stripWhenBackupsExhausted(t *testing.T) {
	f, srv := newFakeUsher(t)
	f.update(func(f *fakeUsher) {
		f.failing["embed"] = http.StatusServiceUnavailable
		f.failing["popout"] = http.StatusNotFound
	})
	met := metrics.New()
	e := newTestEngine(t, srv, nil, nil, WithMetrics(met))
	startSession(t, e, primaryMaster)
	ctx := context.Background()

	out := e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(10, "live", "live", adTitle, adTitle))
	assert.NotContains(t, out, "ads.example")
	assert.Contains(t, out, "cdn.example/seg11.ts")
	st := e.GetAdBlockStatus("chan1")
	assert.Equal(t, PhaseStripping, st.Phase)
	assert.True(t, st.IsStrippingSegments)
	assert.False(t, st.IsUsingFallbackMode)
	assert.Equal(t, int64(2), st.NumStrippedSegments)

	// Reprocessing the same playlist gives the same output and counts nothing new.
	again := e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(10, "live", "live", adTitle, adTitle))
	assert.Equal(t, out, again)
	assert.Equal(t, int64(2), e.GetAdBlockStatus("chan1").NumStrippedSegments)

	e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(11, "live", adTitle, adTitle, adTitle))
	assert.Equal(t, int64(3), e.GetAdBlockStatus("chan1").NumStrippedSegments)
	assert.Equal(t, 1, f.count("master:embed"))
	assert.Equal(t, 1, f.count("master:popout"))

	// Exhaustion is counted when the identities fail, not on every poll.
	assert.Contains(t, scrapeMetrics(t, met), `hls_adblock_backup_fetches_total{outcome="exhausted"} 1`)
}

func TestEngine_stripUntitledContentWithoutBackups(t *testing.T) {
	_, srv := newFakeUsher(t)
	met := metrics.New()
	e := newTestEngine(t, srv, nil, func(c *Config) { c.BackupPlayerIdentities = nil }, WithMetrics(met))
	startSession(t, e, primaryMaster)
	ctx := context.Background()

	out := e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(10, "", "", "stitched-ad"))
	assert.Contains(t, out, "cdn.example/seg10.ts")
	assert.Contains(t, out, "cdn.example/seg11.ts")
	assert.NotContains(t, out, "ads.example")
	st := e.GetAdBlockStatus("chan1")
	assert.Equal(t, PhaseStripping, st.Phase)
	assert.Equal(t, int64(1), st.NumStrippedSegments)

	out = e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(11, "", "stitched-ad", ""))
	assert.Contains(t, out, "cdn.example/seg13.ts")
	assert.Equal(t, int64(1), e.GetAdBlockStatus("chan1").NumStrippedSegments)
	assert.NotContains(t, scrapeMetrics(t, met), `outcome="exhausted"`)
}

func TestEngine_strippedNumberingStableAcrossPolls(t *testing.T) {
	_, srv := newFakeUsher(t)
	e := newTestEngine(t, srv, nil, func(c *Config) { c.BackupPlayerIdentities = nil })
	startSession(t, e, primaryMaster)
	ctx := context.Background()

	first := numbering(t, e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(10, "live", adTitle, adTitle, "live")))
	out := e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(11, adTitle, adTitle, "live", "live"))
	second := numbering(t, out)

	seg13 := "https://cdn.example/seg13.ts"
	require.Contains(t, first, seg13)
	require.Contains(t, second, seg13)
	assert.Equal(t, first[seg13], second[seg13])
	assert.Equal(t, [2]int64{12, 1}, second["https://cdn.example/seg14.ts"])
	assert.Contains(t, out, "#EXT-X-MEDIA-SEQUENCE:11\n")
	assert.Contains(t, out, "#EXT-X-DISCONTINUITY-SEQUENCE:1\n")
}

func TestEngine_rewrittenOutputIsStable(t *testing.T) {
	inputs := map[string]string{
		"middle run":  buildMedia(10, "live", adTitle, adTitle, "live"),
		"leading run": buildMedia(20, adTitle, "live", "live"),
	}
	for name, raw := range inputs {
		t.Run(name, func(t *testing.T) {
			_, srv := newFakeUsher(t)
			e := newTestEngine(t, srv, nil, func(c *Config) { c.BackupPlayerIdentities = nil })
			startSession(t, e, primaryMaster)
			ctx := context.Background()

			out := e.ProcessMediaPlaylist(ctx, "chan1", raw)
			require.NotEqual(t, raw, out)
			assert.Equal(t, out, e.ProcessMediaPlaylist(ctx, "chan1", out))
		})
	}
}

func TestEngine_cachedBackupWhileCircuitOpen(t *testing.T) {
	f, srv := newFakeUsher(t)
	client := upstream.New(upstream.Config{
		RetryAttempts:    -1,
		CircuitThreshold: 1,
		CircuitCooldown:  time.Minute,
		Timeout:          5 * time.Second,
		Logger:           quietLog,
	})
	t.Cleanup(client.Close)
	e := newTestEngine(t, srv, client, nil)
	startSession(t, e, primaryMaster)
	ctx := context.Background()

	out := e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(1, "live", adTitle))
	require.Equal(t, backupMedia("embed", false), out)
	refreshes := f.count("media:embed")

	// A failure elsewhere on the host opens its circuit.
	f.update(func(f *fakeUsher) { f.failing["autoplay"] = http.StatusServiceUnavailable })
	_, err := client.Execute(ctx, upstream.Request{URL: srv.URL + "/media/autoplay/720p30.m3u8"})
	require.Error(t, err)

	out = e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(2, adTitle, adTitle))
	assert.Equal(t, backupMedia("embed", false), out)
	assert.Equal(t, refreshes, f.count("media:embed"))
	st := e.GetAdBlockStatus("chan1")
	assert.Equal(t, PhaseUsingBackup, st.Phase)
	assert.Equal(t, "embed", st.ActivePlayerIdentity)
}

func TestEngine_blankFallbackWhenNoContent(t *testing.T) {
	f, srv := newFakeUsher(t)
	f.update(func(f *fakeUsher) {
		f.failing["embed"] = http.StatusServiceUnavailable
		f.failing["popout"] = http.StatusServiceUnavailable
	})
	e := newTestEngine(t, srv, nil, nil)
	startSession(t, e, primaryMaster)

	out := e.ProcessMediaPlaylist(context.Background(), "chan1", buildMedia(1, adTitle, adTitle))
	assert.Equal(t, 2, strings.Count(out, BlankVideoDataURL()))
	assert.Contains(t, out, "#EXT-X-MEDIA-SEQUENCE:1\n")
	st := e.GetAdBlockStatus("chan1")
	assert.Equal(t, PhaseFallback, st.Phase)
	assert.True(t, st.IsUsingFallbackMode)
	assert.Equal(t, int64(2), st.NumStrippedSegments)
	assert.Equal(t, BlankVideoDataURL(), e.GetBlankVideoDataURL())
}

func TestEngine_blankFallbackWhenStrippingDisabled(t *testing.T) {
	_, srv := newFakeUsher(t)
	e := newTestEngine(t, srv, nil, func(c *Config) {
		c.BackupPlayerIdentities = nil
		c.StripAdSegments = false
	})
	startSession(t, e, primaryMaster)

	out := e.ProcessMediaPlaylist(context.Background(), "chan1", buildMedia(1, "live", adTitle))
	assert.Contains(t, out, "cdn.example/seg1.ts")
	assert.Contains(t, out, BlankVideoDataURL())
	assert.Equal(t, PhaseFallback, e.GetAdBlockStatus("chan1").Phase)
}

func TestEngine_passthroughFallback(t *testing.T) {
	f, srv := newFakeUsher(t)
	f.update(func(f *fakeUsher) { f.failing["embed"] = http.StatusServiceUnavailable })
	e := newTestEngine(t, srv, nil, func(c *Config) {
		c.BackupPlayerIdentities = []string{"embed"}
		c.SubstitutionMode = SubstitutionPassthrough
		c.FallbackPlayerIdentity = "autoplay"
	})
	startSession(t, e, primaryMaster)

	out := e.ProcessMediaPlaylist(context.Background(), "chan1", buildMedia(1, adTitle, adTitle))
	assert.Equal(t, backupMedia("autoplay", false), out)
	st := e.GetAdBlockStatus("chan1")
	assert.Equal(t, PhaseFallback, st.Phase)
	assert.True(t, st.IsUsingFallbackMode)
	assert.False(t, st.IsStrippingSegments)
	assert.Equal(t, 1, f.count("media:autoplay"))
}

func TestEngine_staleAndInvalidMedia(t *testing.T) {
	_, srv := newFakeUsher(t)
	e := newTestEngine(t, srv, nil, nil)
	startSession(t, e, primaryMaster)
	ctx := context.Background()

	first := e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(10, "live", "live"))
	assert.Equal(t, first, e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(9, adTitle, "live")))
	assert.False(t, e.GetAdBlockStatus("chan1").IsShowingAd)

	assert.Equal(t, "garbage", e.ProcessMediaPlaylist(ctx, "chan1", "garbage"))
	assert.NotEmpty(t, e.GetAdBlockStatus("chan1").LastError)

	e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(11, "live", "live"))
	assert.Empty(t, e.GetAdBlockStatus("chan1").LastError)
}

func TestEngine_mediaSequenceRestart(t *testing.T) {
	_, srv := newFakeUsher(t)
	e := newTestEngine(t, srv, nil, nil)
	startSession(t, e, primaryMaster)
	ctx := context.Background()

	e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(5000, "live", "live"))
	startSession(t, e, primaryMaster)
	for seq := int64(0); seq < 3; seq++ {
		raw := buildMedia(seq, "live", "live")
		out := e.ProcessMediaPlaylist(ctx, "chan1", raw)
		assert.Equal(t, raw, out)
		assert.NotContains(t, out, "seg5000")
	}

	// A jump back with no shared segments restarts without a new master.
	e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(7000, "live", "live"))
	raw := buildMedia(3, "live", adTitle)
	out := e.ProcessMediaPlaylist(ctx, "chan1", raw)
	assert.NotContains(t, out, "seg7000")
	assert.True(t, e.GetAdBlockStatus("chan1").IsShowingAd)
}

func TestEngine_midrollClassification(t *testing.T) {
	_, srv := newFakeUsher(t)
	e := newTestEngine(t, srv, nil, nil)
	startSession(t, e, primaryMaster)

	e.ProcessMediaPlaylist(context.Background(), "chan1", buildMedia(1, adTitle, adTitle))
	assert.False(t, e.GetAdBlockStatus("chan1").IsMidroll)
}

func TestEngine_clearDuringFetchDiscardsResult(t *testing.T) {
	f, srv := newFakeUsher(t)
	gate := make(chan struct{})
	f.update(func(f *fakeUsher) { f.gates["master:embed"] = gate })
	e := newTestEngine(t, srv, nil, nil)

	var mu sync.Mutex
	var statuses []Status
	e.SetStatusChangeCallback(func(st Status) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, st)
	})
	startSession(t, e, primaryMaster)

	raw := buildMedia(1, "live", adTitle)
	done := make(chan string, 1)
	go func() {
		done <- e.ProcessMediaPlaylist(context.Background(), "chan1", raw)
	}()

	require.Eventually(t, func() bool { return f.count("master:embed") == 1 }, 2*time.Second, 5*time.Millisecond)
	e.ClearStreamInfo("chan1")
	mu.Lock()
	cleared := len(statuses)
	mu.Unlock()
	close(gate)

	select {
	case out := <-done:
		assert.Equal(t, raw, out)
	case <-time.After(5 * time.Second):
		t.Fatal("ProcessMediaPlaylist did not return")
	}

	assert.Zero(t, e.ActiveSessionCount())
	assert.False(t, e.GetAdBlockStatus("chan1").IsActive)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, cleared, len(statuses), "no status after clear")
	assert.False(t, statuses[len(statuses)-1].IsActive)
}

func TestEngine_sharedClientDeduplicatesBackupFetch(t *testing.T) {
	f, srv := newFakeUsher(t)
	gate := make(chan struct{})
	f.update(func(f *fakeUsher) { f.gates["master:embed"] = gate })
	client := newTestClientFor(t)
	e1 := newTestEngine(t, srv, client, nil)
	e2 := newTestEngine(t, srv, client, nil)
	startSession(t, e1, primaryMaster)
	startSession(t, e2, primaryMaster)

	raw := buildMedia(1, "live", adTitle)
	results := make(chan string, 2)
	for _, e := range []*Engine{e1, e2} {
		go func(e *Engine) {
			results <- e.ProcessMediaPlaylist(context.Background(), "chan1", raw)
		}(e)
	}

	require.Eventually(t, func() bool { return f.count("master:embed") == 1 }, 2*time.Second, 5*time.Millisecond)
	// Give the second engine time to join the flight in progress.
	time.Sleep(100 * time.Millisecond)
	close(gate)

	for i := 0; i < 2; i++ {
		select {
		case out := <-results:
			assert.Equal(t, backupMedia("embed", false), out)
		case <-time.After(5 * time.Second):
			t.Fatal("ProcessMediaPlaylist did not return")
		}
	}
	assert.Equal(t, 1, f.count("master:embed"))
}

func TestEngine_reloadOnAdEntry(t *testing.T) {
	_, srv := newFakeUsher(t)
	clock := newTestClock()
	e := newTestEngine(t, srv, nil, func(c *Config) { c.ReloadOnAdEntry = true }, WithClock(clock.Now))

	reloads := 0
	e.SetPlayerCallbacks(PlayerCallbacks{Reload: func(channel string) {
		assert.Equal(t, "chan1", channel)
		// Callbacks run outside the session lock.
		_, ok := e.MediaURL(channel, "")
		assert.True(t, ok)
		reloads++
	}})
	startSession(t, e, primaryMaster)
	ctx := context.Background()

	e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(1, "live", "live"))
	e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(2, "live", adTitle))
	assert.Equal(t, 1, reloads)
	assert.Equal(t, PhaseReloading, e.GetAdBlockStatus("chan1").Phase)

	e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(3, adTitle, adTitle))
	assert.Equal(t, PhaseUsingBackup, e.GetAdBlockStatus("chan1").Phase)

	e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(4, "live", "live"))
	assert.Equal(t, PhaseNormal, e.GetAdBlockStatus("chan1").Phase)

	clock.Advance(10 * time.Second)
	e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(5, "live", adTitle))
	st := e.GetAdBlockStatus("chan1")
	assert.Equal(t, 1, reloads)
	assert.True(t, st.ReloadSuppressed)
	assert.Equal(t, PhaseUsingBackup, st.Phase)

	e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(6, "live", "live"))
	clock.Advance(31 * time.Second)
	e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(7, "live", adTitle))
	assert.Equal(t, 2, reloads)
	assert.False(t, e.GetAdBlockStatus("chan1").ReloadSuppressed)
}

func TestEngine_reloadFallsBackToPausePlay(t *testing.T) {
	_, srv := newFakeUsher(t)
	e := newTestEngine(t, srv, nil, func(c *Config) { c.ReloadOnAdExit = true })

	var calls []string
	e.SetPlayerCallbacks(PlayerCallbacks{
		Pause: func(string) { calls = append(calls, "pause") },
		Play:  func(string) { calls = append(calls, "play") },
	})
	startSession(t, e, primaryMaster)
	ctx := context.Background()

	e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(1, "live", adTitle))
	assert.Empty(t, calls)
	e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(3, "live", "live"))
	assert.Equal(t, []string{"pause", "play"}, calls)
	assert.Equal(t, PhaseReloading, e.GetAdBlockStatus("chan1").Phase)

	e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(4, "live", "live"))
	assert.Equal(t, PhaseNormal, e.GetAdBlockStatus("chan1").Phase)
}

func TestEngine_reloadSkippedForHEVC(t *testing.T) {
	_, srv := newFakeUsher(t)
	e := newTestEngine(t, srv, nil, func(c *Config) {
		c.ReloadOnAdEntry = true
		c.SkipReloadOnHEVC = true
	})
	reloads := 0
	e.SetPlayerCallbacks(PlayerCallbacks{Reload: func(string) { reloads++ }})
	startSession(t, e, hevcMaster)

	e.ProcessMediaPlaylist(context.Background(), "chan1", buildMedia(1, "live", adTitle))
	assert.Zero(t, reloads)
	assert.Equal(t, PhaseUsingBackup, e.GetAdBlockStatus("chan1").Phase)
}

func TestEngine_pendingReloadResumesAfterHEVCSkipEnabled(t *testing.T) {
	_, srv := newFakeUsher(t)
	e := newTestEngine(t, srv, nil, func(c *Config) { c.ReloadOnAdEntry = true })
	reloads := 0
	e.SetPlayerCallbacks(PlayerCallbacks{Reload: func(string) { reloads++ }})
	startSession(t, e, hevcMaster)
	ctx := context.Background()

	e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(1, "live", adTitle))
	require.Equal(t, PhaseReloading, e.GetAdBlockStatus("chan1").Phase)

	skip := true
	_, err := e.UpdateAdBlockConfig(ConfigUpdate{SkipReloadOnHEVC: &skip})
	require.NoError(t, err)

	e.ProcessMediaPlaylist(ctx, "chan1", buildMedia(2, adTitle, adTitle))
	assert.Equal(t, PhaseUsingBackup, e.GetAdBlockStatus("chan1").Phase)
	assert.Equal(t, 1, reloads)
}

func TestEngine_UpdateAdBlockConfig(t *testing.T) {
	_, srv := newFakeUsher(t)
	e := newTestEngine(t, srv, nil, nil, WithMetrics(metrics.New()))

	bad := -1.0
	_, err := e.UpdateAdBlockConfig(ConfigUpdate{BitrateDropThreshold: &bad})
	require.True(t, IsConfigError(err))
	assert.Equal(t, 0.5, e.Config().BitrateDropThreshold)

	off := false
	cfg, err := e.UpdateAdBlockConfig(ConfigUpdate{Enabled: &off})
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.False(t, e.IsAdBlockEnabled())

	// The returned copy does not alias engine state.
	cfg.BackupPlayerIdentities[0] = "changed"
	assert.Equal(t, "embed", e.Config().BackupPlayerIdentities[0])
}

func TestEngine_ClearStreamInfo(t *testing.T) {
	_, srv := newFakeUsher(t)
	e := newTestEngine(t, srv, nil, nil)

	var statuses []Status
	e.SetStatusChangeCallback(func(st Status) { statuses = append(statuses, st) })

	e.ClearStreamInfo("missing")
	assert.Empty(t, statuses)

	startSession(t, e, primaryMaster)
	e.ClearStreamInfo("chan1")
	require.Len(t, statuses, 2)
	assert.False(t, statuses[1].IsActive)
	assert.Zero(t, e.ActiveSessionCount())
}

func TestEngine_IsAdSegment(t *testing.T) {
	_, srv := newFakeUsher(t)
	e := newTestEngine(t, srv, nil, nil)

	assert.True(t, e.IsAdSegment(SegmentMetadata{Title: adTitle}))
	assert.False(t, e.IsAdSegment(SegmentMetadata{Title: "live"}))
}

func bitrateMedia(seq int64, kbps ...int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:%d\n", seq)
	for i, k := range kbps {
		fmt.Fprintf(&b, "#EXT-X-BITRATE:%d\n#EXTINF:2.000,live\nhttps://cdn.example/seg%d.ts\n", k, seq+int64(i))
	}
	return b.String()
}

func TestEngine_bitrateBaselineResetsOnQualitySwitch(t *testing.T) {
	_, srv := newFakeUsher(t)
	e := newTestEngine(t, srv, nil, func(c *Config) {
		c.MarkerDetection = false
		c.BitrateDetection = true
	})
	startSession(t, e, primaryMaster)
	ctx := context.Background()
	hi := WithPlaylistURL("https://primary.example/720p30.m3u8")
	lo := WithPlaylistURL("https://primary.example/360p30.m3u8")

	e.ProcessMediaPlaylist(ctx, "chan1", bitrateMedia(1, 5000, 5000), hi)

	raw := bitrateMedia(3, 1500, 1500)
	assert.Equal(t, raw, e.ProcessMediaPlaylist(ctx, "chan1", raw, lo))
	assert.False(t, e.GetAdBlockStatus("chan1").IsShowingAd)

	// Same quality: a 60% drop against the fresh baseline is an ad.
	e.ProcessMediaPlaylist(ctx, "chan1", bitrateMedia(5, 1500, 600), lo)
	st := e.GetAdBlockStatus("chan1")
	assert.True(t, st.IsShowingAd)
	assert.Equal(t, PhaseUsingBackup, st.Phase)
}

func TestEngine_SetAuthHeaders(t *testing.T) {
	f, srv := newFakeUsher(t)
	e := newTestEngine(t, srv, nil, nil)
	e.SetAuthHeaders(http.Header{"Authorization": {"OAuth global"}})

	e.ProcessMasterPlaylist("chan1", primaryMaster, nil, nil)
	e.ProcessMediaPlaylist(context.Background(), "chan1", buildMedia(1, adTitle))
	assert.Equal(t, "OAuth global", f.lastAuth)

	// Per-channel headers take precedence.
	e.ProcessMasterPlaylist("chan2", primaryMaster, nil, http.Header{"Authorization": {"OAuth channel"}})
	e.ProcessMediaPlaylist(context.Background(), "chan2", buildMedia(1, adTitle))
	assert.Equal(t, "OAuth channel", f.lastAuth)
}
