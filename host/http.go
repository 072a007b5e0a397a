package host

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hazyhaar/miniapp/assembler"
	"github.com/hazyhaar/miniapp/compiler"
	"github.com/hazyhaar/miniapp/sandbox"
	"github.com/hazyhaar/miniapp/screenshot"
)

// maxRequestBody bounds source uploads and state writes.
const maxRequestBody = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Embedding UIs live on other origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler returns the HTTP API.
func (h *Host) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(headToGet)
	r.Use(traceID(h.log))
	r.Use(maxBody(maxRequestBody))
	r.Use(identity)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": len(h.Sessions())})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(apiHeaders)

		r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, h.Stats())
		})
		r.Post("/compile", h.handleCompile)
		r.Post("/screenshot", h.handleScreenshot)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, h.Sessions())
			})
			r.Post("/", h.handleMount)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.handleSession)
				r.Put("/", h.handleUpdate)
				r.Delete("/", h.handleUnmount)
				r.Get("/document", h.handleDocument)
				r.Get("/events", h.handleEvents)
			})
		})

		r.Get("/state/{namespace}", h.handleState)
		r.Put("/state/{namespace}/{key}", h.handleSetState)
	})
	return r
}

type sourceRequest struct {
	Source string `json:"source"`
}

// handleCompile returns the assembled document, or the error placard with
// 422 when the source does not compile.
func (h *Host) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	doc, err := h.Compile(r.Context(), req.Source)
	if err != nil {
		var ce *compiler.CompileError
		if errors.As(err, &ce) {
			writeDocument(w, r, http.StatusUnprocessableEntity, assembler.ErrorDocument("Compile error", ce.Error()))
			return
		}
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.Header().Set("ETag", `"`+doc.Digest+`"`)
	writeDocument(w, r, http.StatusOK, doc.HTML)
}

func (h *Host) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	var req ScreenshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	png, err := h.Screenshot(r.Context(), req)
	if err != nil {
		var ce *compiler.CompileError
		switch {
		case errors.As(err, &ce):
			writeError(w, http.StatusUnprocessableEntity, err)
		case errors.Is(err, screenshot.ErrLoadTimeout), errors.Is(err, screenshot.ErrReadyTimeout):
			writeError(w, http.StatusGatewayTimeout, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (h *Host) handleMount(w http.ResponseWriter, r *http.Request) {
	var req MountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s, err := h.Mount(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	requestLogger(r.Context()).Info("host: mount", "session", s.ID())
	writeJSON(w, http.StatusCreated, info(s))
}

func (h *Host) handleSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.Session(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info(s))
}

func (h *Host) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	gen, err := h.Update(chi.URLParam(r, "id"), req.Source)
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusConflict, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]uint64{"generation": gen})
	}
}

func (h *Host) handleUnmount(w http.ResponseWriter, r *http.Request) {
	if err := h.Unmount(chi.URLParam(r, "id")); errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDocument serves the live document of a ready session.
func (h *Host) handleDocument(w http.ResponseWriter, r *http.Request) {
	s, ok := h.Session(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrNotFound)
		return
	}
	st := s.Status()
	if st.State == sandbox.StateError {
		writeDocument(w, r, http.StatusUnprocessableEntity, assembler.ErrorDocument("Compile error", st.Error))
		return
	}
	doc := s.Document()
	if doc == nil {
		writeError(w, http.StatusConflict, errors.New("host: session is not ready"))
		return
	}
	etag := `"` + doc.Digest + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeDocument(w, r, http.StatusOK, doc.HTML)
}

// handleEvents streams the session's events over a websocket, starting
// with its current status.
func (h *Host) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, ok := h.Session(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied.
	}
	defer conn.Close()
	log := requestLogger(r.Context()).With("session", id)

	events, cancel := h.hub.Subscribe(id)
	defer cancel()

	st := s.Status()
	first, _ := json.Marshal(sandbox.Event{Type: sandbox.EventStatus, Session: id, Status: &st})
	if err := writeFrame(conn, first); err != nil {
		return
	}

	// Viewers only listen; reading detects the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case data, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session unmounted"),
					time.Now().Add(time.Second))
				return
			}
			if err := writeFrame(conn, data); err != nil {
				log.Debug("host: event write failed", "error", err)
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Host) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := h.State(r.Context(), chi.URLParam(r, "namespace"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleSetState writes the request body, a JSON value, to one key.
func (h *Host) handleSetState(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, errors.New("host: body is not a JSON value"))
		return
	}
	if err := h.SetState(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "key"), string(body)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeDocument(w http.ResponseWriter, r *http.Request, status int, html string) {
	w.Header().Set("Content-Security-Policy", documentCSP)
	w.Header().Set("Cache-Control", "no-cache")
	writeCompressed(w, r, status, "text/html; charset=utf-8", []byte(html))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
