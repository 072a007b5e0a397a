package host

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"github.com/hazyhaar/miniapp/kit"
	"github.com/hazyhaar/miniapp/protocol"
)

type contextKey string

const loggerKey contextKey = "host_logger"

// Identity headers an embedding UI sets for the user mini-apps see.
const (
	HeaderUserName  = "X-Miniapp-User"
	HeaderUserColor = "X-Miniapp-Color"
)

// traceID gives each request a random trace id, in the context, in the
// X-Trace-ID response header, and on a per-request logger.
func traceID(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := make([]byte, 4)
			rand.Read(id)
			trace := hex.EncodeToString(id)

			ctx := kit.WithTraceID(r.Context(), trace)
			w.Header().Set("X-Trace-ID", trace)

			logger := base.With(
				"trace_id", trace,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx = context.WithValue(ctx, loggerKey, logger)
			logger.Debug("request", "remote_addr", r.RemoteAddr)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestLogger returns the per-request logger, or slog.Default().
func requestLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// identity attaches the user named by the identity headers.
func identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if name := strings.TrimSpace(r.Header.Get(HeaderUserName)); name != "" {
			u := protocol.User{Name: name, Color: strings.TrimSpace(r.Header.Get(HeaderUserColor))}
			if u.Color == "" {
				u.Color = "blue"
			}
			r = r.WithContext(kit.WithUser(r.Context(), u))
		}
		next.ServeHTTP(w, r)
	})
}

// headToGet lets r.Get routes answer HEAD.
func headToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

// maxBody bounds request bodies.
func maxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// apiHeaders are set on every API response.
func apiHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// documentCSP serves mini-app documents in an opaque origin: scripts run,
// but the document shares nothing with the host origin.
const documentCSP = "sandbox allow-scripts allow-forms allow-modals allow-popups"

// negotiateEncoding picks br, then gzip, from Accept-Encoding.
func negotiateEncoding(header string) string {
	var gz bool
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.ReplaceAll(params, " ", "") == "q=0" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "br":
			return "br"
		case "gzip":
			gz = true
		}
	}
	if gz {
		return "gzip"
	}
	return ""
}

// writeCompressed writes body with the best encoding the client accepts.
func writeCompressed(w http.ResponseWriter, r *http.Request, status int, contentType string, body []byte) {
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Add("Vary", "Accept-Encoding")

	var enc io.WriteCloser
	switch negotiateEncoding(r.Header.Get("Accept-Encoding")) {
	case "br":
		h.Set("Content-Encoding", "br")
		enc = brotli.NewWriterLevel(w, brotli.DefaultCompression)
	case "gzip":
		h.Set("Content-Encoding", "gzip")
		enc = gzip.NewWriter(w)
	}
	w.WriteHeader(status)
	if enc == nil {
		w.Write(body)
		return
	}
	if _, err := enc.Write(body); err != nil {
		requestLogger(r.Context()).Debug("host: compressed write", "error", err)
	}
	enc.Close()
}
