package api

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
)

const encodingGzip = "gzip"

var gzipWriters = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(nil, gzip.DefaultCompression) //nolint:errcheck // DefaultCompression is a valid level
		return w
	},
}

// gzipBytes compresses body in one shot.
func gzipBytes(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzipWriters.Get().(*gzip.Writer)
	defer gzipWriters.Put(zw)
	zw.Reset(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// shouldCompress reports whether the response body is large enough and the
// client accepts gzip.
func (s *Server) shouldCompress(r *http.Request, body []byte) bool {
	minBytes := s.cfg.Server.GzipMinBytes
	if minBytes <= 0 || len(body) < minBytes {
		return false
	}
	return acceptsGzip(r.Header.Values("Accept-Encoding"))
}

// acceptsGzip parses Accept-Encoding, honouring q=0 exclusions.
func acceptsGzip(values []string) bool {
	wildcard := false
	for _, v := range values {
		for part := range strings.SplitSeq(v, ",") {
			name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
			name = strings.ToLower(strings.TrimSpace(name))
			if name != encodingGzip && name != "*" {
				continue
			}
			ok := qualityAllows(params)
			if name == encodingGzip {
				return ok
			}
			wildcard = ok
		}
	}
	return wildcard
}

func qualityAllows(params string) bool {
	for p := range strings.SplitSeq(params, ";") {
		key, val, found := strings.Cut(strings.TrimSpace(p), "=")
		if !found || strings.TrimSpace(key) != "q" {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return err == nil && q > 0
	}
	return true
}
