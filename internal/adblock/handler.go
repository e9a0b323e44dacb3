package adblock

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"hls-adblock/internal/manifest"
	"hls-adblock/internal/upstream"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"

	// upstreamHeaderPrefix marks request headers forwarded to upstream with
	// the prefix removed, e.g. X-Upstream-Authorization.
	upstreamHeaderPrefix = "X-Upstream-"

	maxPlaylistBody = 4 << 20
)

// Handler exposes the engine over HTTP using go-chi.
type Handler struct {
	engine *Engine
	client Fetcher
	log    *slog.Logger
}

// NewHandler returns a Handler for engine. client fetches upstream playlists
// for the proxy endpoints.
func NewHandler(engine *Engine, client Fetcher, log *slog.Logger) *Handler {
	return &Handler{engine: engine, client: client, log: log}
}

// Register mounts the handler's routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/blank.ts", h.GetBlankSegment)
	r.Get("/config", h.GetConfig)
	r.Patch("/config", h.UpdateConfig)
	r.Get("/channels", h.ListChannels)
	r.Route("/channels/{channel}", func(r chi.Router) {
		r.Delete("/", h.ClearChannel)
		r.Get("/status", h.GetStatus)
		r.Get("/master", h.GetMaster)
		r.Post("/master", h.ProcessMaster)
		r.Post("/media", h.ProcessMedia)
		r.Get("/master.m3u8", h.ProxyMaster)
		r.Get("/media.m3u8", h.ProxyMedia)
	})
}

// ProcessMaster handles POST /channels/{channel}/master. The body is the
// master playlist; query parameters are the usher parameters of the original
// request and X-Upstream-* headers are repeated on backup requests.
func (h *Handler) ProcessMaster(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	channel := chi.URLParam(r, "channel")
	if channel == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	body, ok := h.readPlaylist(w, r)
	if !ok {
		return
	}

	out := h.engine.ProcessMasterPlaylist(channel, body, r.URL.Query(), upstreamHeaders(r.Header))
	writePlaylist(w, out)
}

// ProcessMedia handles POST /channels/{channel}/media?url=<variant url>.
func (h *Handler) ProcessMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	channel := chi.URLParam(r, "channel")
	if channel == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	body, ok := h.readPlaylist(w, r)
	if !ok {
		return
	}

	var opts []MediaOption
	if u := r.URL.Query().Get("url"); u != "" {
		opts = append(opts, WithPlaylistURL(u))
	}
	out := h.engine.ProcessMediaPlaylist(r.Context(), channel, body, opts...)
	writePlaylist(w, out)
}

// ProxyMaster handles GET /channels/{channel}/master.m3u8. It fetches the
// channel's master playlist from usher, records it with variant URIs made
// absolute and points the variants at media.m3u8 so media polls come back
// through the engine.
func (h *Handler) ProxyMaster(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	channel := chi.URLParam(r, "channel")
	if channel == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	auth := upstreamHeaders(r.Header)
	masterURL, err := usherURL(h.engine.Config(), channel, query, "")
	if err != nil {
		h.log.Error("build usher url failed", slog.String("channel", channel), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	resp, err := h.client.Execute(r.Context(), upstream.Request{URL: masterURL, Header: auth, DedupKey: masterURL})
	if err != nil {
		h.upstreamFailed(w, channel, err)
		return
	}

	text := resp.Text()
	if m, err := manifest.ParseMaster(text); err == nil {
		m.RewriteVariantURIs(func(v manifest.Variant) string {
			abs, err := resolveReference(masterURL, v.URI)
			if err != nil {
				return v.URI
			}
			return abs
		})
		text = m.Serialize()
	}

	out := h.engine.ProcessMasterPlaylist(channel, text, query, auth)
	if _, ok := h.engine.MediaURL(channel, ""); ok {
		if m, err := manifest.ParseMaster(out); err == nil {
			m.RewriteVariantURIs(func(v manifest.Variant) string {
				return "media.m3u8?quality=" + url.QueryEscape(v.Label())
			})
			out = m.Serialize()
		}
	}
	writePlaylist(w, out)
}

// ProxyMedia handles GET /channels/{channel}/media.m3u8?quality=<label>.
// An absent quality selects the session's current one.
func (h *Handler) ProxyMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	channel := chi.URLParam(r, "channel")
	if channel == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	mediaURL, ok := h.engine.MediaURL(channel, r.URL.Query().Get("quality"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	resp, err := h.client.Execute(r.Context(), upstream.Request{
		URL:      mediaURL,
		Header:   upstreamHeaders(r.Header),
		DedupKey: mediaURL,
	})
	if err != nil {
		h.upstreamFailed(w, channel, err)
		return
	}

	out := h.engine.ProcessMediaPlaylist(r.Context(), channel, resp.Text(), WithPlaylistURL(mediaURL))
	writePlaylist(w, out)
}

// ClearChannel handles DELETE /channels/{channel}.
func (h *Handler) ClearChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	channel := chi.URLParam(r, "channel")
	if channel == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.engine.ClearStreamInfo(channel)
	w.WriteHeader(http.StatusNoContent)
}

// GetStatus handles GET /channels/{channel}/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	channel := chi.URLParam(r, "channel")
	if channel == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.writeJSON(w, http.StatusOK, h.engine.GetAdBlockStatus(channel))
}

// GetMaster handles GET /channels/{channel}/master. It returns the last
// master playlist handed to the player, or the one received when raw=true.
func (h *Handler) GetMaster(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw, rewritten, ok := h.engine.MasterPlaylist(chi.URLParam(r, "channel"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.URL.Query().Get("raw") == "true" {
		writePlaylist(w, raw)
		return
	}
	writePlaylist(w, rewritten)
}

// ListChannels handles GET /channels.
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	channels := h.engine.Channels()
	if channels == nil {
		channels = []string{}
	}
	h.writeJSON(w, http.StatusOK, map[string][]string{"channels": channels})
}

// GetConfig handles GET /config.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, h.engine.Config())
}

// UpdateConfig handles PATCH /config. Fields absent from the body keep their
// current value.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var u ConfigUpdate
	dec := json.NewDecoder(io.LimitReader(r.Body, maxPlaylistBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		h.log.Debug("invalid config body", slog.String("error", err.Error()))
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	cfg, err := h.engine.UpdateAdBlockConfig(u)
	if err != nil {
		if IsConfigError(err) {
			h.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		h.log.Error("config update failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

// GetBlankSegment handles GET /blank.ts.
func (h *Handler) GetBlankSegment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	seg := BlankSegment()
	w.Header().Set("Content-Type", blankMIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(seg)))
	w.WriteHeader(http.StatusOK)
	w.Write(seg)
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) readPlaylist(w http.ResponseWriter, r *http.Request) (string, bool) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxPlaylistBody+1))
	if err != nil {
		h.log.Debug("read playlist body failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return "", false
	}
	if len(b) > maxPlaylistBody {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return "", false
	}
	return string(b), true
}

func (h *Handler) upstreamFailed(w http.ResponseWriter, channel string, err error) {
	h.log.Warn("upstream fetch failed", slog.String("channel", channel), slog.String("error", err.Error()))

	var open *upstream.CircuitOpenError
	var status *upstream.StatusError
	switch {
	case errors.As(err, &open):
		secs := int(time.Until(open.RetryAt).Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		w.WriteHeader(http.StatusServiceUnavailable)
	case errors.As(err, &status) && status.StatusCode == http.StatusNotFound:
		w.WriteHeader(http.StatusNotFound)
	case upstream.IsUnavailable(err):
		w.WriteHeader(http.StatusBadGateway)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response failed", slog.String("error", err.Error()))
	}
}

func writePlaylist(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, body)
}

// upstreamHeaders collects X-Upstream-* headers with the prefix removed.
func upstreamHeaders(in http.Header) http.Header {
	out := http.Header{}
	for k, vs := range in {
		if len(k) <= len(upstreamHeaderPrefix) || !strings.EqualFold(k[:len(upstreamHeaderPrefix)], upstreamHeaderPrefix) {
			continue
		}
		name := k[len(upstreamHeaderPrefix):]
		for _, v := range vs {
			out.Add(name, v)
		}
	}
	return out
}
