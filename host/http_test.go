package host

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"

	"github.com/hazyhaar/miniapp/protocol"
	"github.com/hazyhaar/miniapp/sandbox"
)

func newTestServer(t *testing.T) (*Host, *httptest.Server) {
	t.Helper()
	h, _ := newTestHost(t)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return h, srv
}

func readEvent(t *testing.T, conn *websocket.Conn) sandbox.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var e sandbox.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return e
}

func do(t *testing.T, method, url string, body any, header map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, _ := json.Marshal(b)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHTTP_Health(t *testing.T) {
	_, srv := newTestServer(t)
	resp := do(t, "GET", srv.URL+"/health", nil, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Trace-ID") == "" {
		t.Error("missing X-Trace-ID")
	}
	resp = do(t, "HEAD", srv.URL+"/health", nil, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("HEAD status: got %d", resp.StatusCode)
	}
}

func TestHTTP_CompileEncodings(t *testing.T) {
	_, srv := newTestServer(t)
	req := map[string]string{"source": counterApp}

	plain := do(t, "POST", srv.URL+"/api/compile", req, nil)
	if plain.StatusCode != 200 {
		t.Fatalf("status: got %d", plain.StatusCode)
	}
	if ct := plain.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type: got %q", ct)
	}
	if csp := plain.Header.Get("Content-Security-Policy"); !strings.HasPrefix(csp, "sandbox") {
		t.Errorf("document CSP: got %q", csp)
	}
	want, _ := io.ReadAll(plain.Body)
	if !bytes.Contains(want, []byte(`<script type="importmap">`)) {
		t.Fatal("document has no import map")
	}

	br := do(t, "POST", srv.URL+"/api/compile", req, map[string]string{"Accept-Encoding": "gzip, br"})
	if br.Header.Get("Content-Encoding") != "br" {
		t.Fatalf("encoding: got %q, want br", br.Header.Get("Content-Encoding"))
	}
	got, err := io.ReadAll(brotli.NewReader(br.Body))
	if err != nil || !bytes.Equal(got, want) {
		t.Fatalf("brotli body differs (err %v)", err)
	}

	gz := do(t, "POST", srv.URL+"/api/compile", req, map[string]string{"Accept-Encoding": "gzip"})
	if gz.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("encoding: got %q, want gzip", gz.Header.Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(gz.Body)
	if err != nil {
		t.Fatal(err)
	}
	got, err = io.ReadAll(zr)
	if err != nil || !bytes.Equal(got, want) {
		t.Fatalf("gzip body differs (err %v)", err)
	}
}

func TestHTTP_CompileErrorPlacard(t *testing.T) {
	_, srv := newTestServer(t)
	resp := do(t, "POST", srv.URL+"/api/compile", map[string]string{"source": "export default function App( {"}, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d, want 422", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("Compile error")) {
		t.Fatalf("placard missing title: %s", body)
	}
}

func TestHTTP_SessionLifecycle(t *testing.T) {
	h, srv := newTestServer(t)

	resp := do(t, "POST", srv.URL+"/api/sessions", MountRequest{Source: counterApp}, map[string]string{HeaderUserName: "Ada"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("mount status: got %d", resp.StatusCode)
	}
	var si SessionInfo
	decodeJSON(t, resp, &si)
	if si.ID == "" || si.Namespace != si.ID {
		t.Fatalf("session info: %+v", si)
	}

	s, ok := h.Session(si.ID)
	if !ok {
		t.Fatal("session not registered")
	}
	if _, err := s.Wait(ctxTimeout(t)); err != nil {
		t.Fatal(err)
	}

	doc := do(t, "GET", srv.URL+"/api/sessions/"+si.ID+"/document", nil, nil)
	if doc.StatusCode != 200 {
		t.Fatalf("document status: got %d", doc.StatusCode)
	}
	etag := doc.Header.Get("ETag")
	again := do(t, "GET", srv.URL+"/api/sessions/"+si.ID+"/document", nil, map[string]string{"If-None-Match": etag})
	if again.StatusCode != http.StatusNotModified {
		t.Fatalf("conditional GET: got %d, want 304", again.StatusCode)
	}

	put := do(t, "PUT", srv.URL+"/api/state/"+si.Namespace+"/counter", "3", nil)
	if put.StatusCode != http.StatusNoContent {
		t.Fatalf("set state: got %d", put.StatusCode)
	}
	bad := do(t, "PUT", srv.URL+"/api/state/"+si.Namespace+"/counter", "{x", nil)
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid state: got %d, want 400", bad.StatusCode)
	}
	var state map[string]json.RawMessage
	decodeJSON(t, do(t, "GET", srv.URL+"/api/state/"+si.Namespace, nil, nil), &state)
	if string(state["counter"]) != "3" {
		t.Fatalf("state: got %v", state)
	}

	upd := do(t, "PUT", srv.URL+"/api/sessions/"+si.ID, map[string]string{"source": counterApp + "\n"}, nil)
	if upd.StatusCode != http.StatusAccepted {
		t.Fatalf("update status: got %d", upd.StatusCode)
	}

	del := do(t, "DELETE", srv.URL+"/api/sessions/"+si.ID, nil, nil)
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("unmount status: got %d", del.StatusCode)
	}
	if r := do(t, "GET", srv.URL+"/api/sessions/"+si.ID, nil, nil); r.StatusCode != http.StatusNotFound {
		t.Fatalf("after unmount: got %d, want 404", r.StatusCode)
	}
}

func TestHTTP_EventStream(t *testing.T) {
	h, rt := newTestHost(t)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()
	ctx := ctxTimeout(t)

	s, g := mountReady(t, h, rt, ctx, MountRequest{Source: counterApp})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + s.ID() + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := readEvent(t, conn)
	if first.Type != sandbox.EventStatus || first.Status == nil || first.Status.State != sandbox.StateReady {
		t.Fatalf("first event: got %+v", first)
	}

	deadline := time.Now().Add(5 * time.Second)
	for h.Events().Subscribers(s.ID()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	g.MouseMove(3, 4)
	e := readEvent(t, conn)
	if e.Type != sandbox.EventMouseMove || e.X != 3 || e.Y != 4 || e.Session != s.ID() {
		t.Fatalf("mouse event: got %+v", e)
	}

	h.Unmount(s.ID())
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("after unmount: got %v, want going-away close", err)
	}
}

func TestHTTP_EventStreamUnknownSession(t *testing.T) {
	_, srv := newTestServer(t)
	resp := do(t, "GET", srv.URL+"/api/sessions/ses_missing/events", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestNegotiateEncoding(t *testing.T) {
	cases := map[string]string{
		"":                 "",
		"gzip":             "gzip",
		"gzip, br":         "br",
		"br;q=0, gzip":     "gzip",
		"deflate":          "",
		"GZIP;q=0.5":       "gzip",
		"identity, br;q=1": "br",
	}
	for header, want := range cases {
		if got := negotiateEncoding(header); got != want {
			t.Errorf("negotiateEncoding(%q): got %q, want %q", header, got, want)
		}
	}
}

func TestIdentityHeader(t *testing.T) {
	h, rt := newTestHost(t)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	resp := do(t, "POST", srv.URL+"/api/sessions", MountRequest{Source: counterApp},
		map[string]string{HeaderUserName: "Ada", HeaderUserColor: "green"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	ctx := ctxTimeout(t)
	g, err := rt.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.WaitInitialized(ctx); err != nil {
		t.Fatal(err)
	}
	if u, _ := g.User(); u != (protocol.User{Name: "Ada", Color: "green"}) {
		t.Fatalf("user: got %+v", u)
	}
}
