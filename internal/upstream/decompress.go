package upstream

import (
	"compress/flate"
	"compress/gzip"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// ErrResponseTooLarge is returned when a body exceeds Config.MaxResponseSize.
var ErrResponseTooLarge = errors.New("response body exceeds maximum size limit")

const (
	headerAcceptEncoding  = "Accept-Encoding"
	headerContentEncoding = "Content-Encoding"
	headerUserAgent       = "User-Agent"

	acceptEncodingValue = "gzip, deflate, br"
)

// decodeBody wraps the response body with the decoder named by
// Content-Encoding. Unknown encodings are passed through.
func decodeBody(resp *http.Response, log *slog.Logger) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get(headerContentEncoding))) {
	case "":
		return resp.Body, nil
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "deflate":
		return flate.NewReader(resp.Body), nil
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		log.Debug("unknown content encoding, returning raw body",
			slog.String("encoding", resp.Header.Get(headerContentEncoding)))
		return resp.Body, nil
	}
}

// readLimited reads r fully; limit <= 0 means no limit. The limit applies to
// decoded bytes so a small compressed payload cannot expand without bound.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, ErrResponseTooLarge
	}
	return body, nil
}
