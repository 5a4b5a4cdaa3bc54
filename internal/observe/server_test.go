package observe

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsURLFromHTTP(serverURL string, path string) string {
	return strings.Replace(serverURL, "http", "ws", 1) + path
}

func startTestServer(t *testing.T, token string) (*Server, *httptest.Server, string) {
	t.Helper()
	s := NewServer(token, []string{"sh", "-c", "true"})
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, ts, wsURLFromHTTP(ts.URL, "/ws")
}

func dialObserver(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{Subprotocols: []string{subprotocolPrefix + token}}
	h := http.Header{}
	h.Set("Origin", "http://localhost")
	c, _, err := d.Dial(url, h)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readMessage(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m map[string]any
	if err := c.ReadJSON(&m); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return m
}

func TestHandleWS_RejectsWithoutSubprotocol(t *testing.T) {
	_, _, url := startTestServer(t, "secrettoken")

	d := websocket.Dialer{}
	h := http.Header{}
	h.Set("Origin", "http://localhost")
	c, resp, err := d.Dial(url, h)
	if err == nil {
		c.Close()
		t.Fatal("expected error, got successful connection")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 Forbidden, got %+v", resp)
	}
}

func TestHandleWS_RejectsWrongToken(t *testing.T) {
	_, _, url := startTestServer(t, "secrettoken")

	d := websocket.Dialer{Subprotocols: []string{subprotocolPrefix + "wrong"}}
	h := http.Header{}
	h.Set("Origin", "http://localhost")
	c, resp, err := d.Dial(url, h)
	if err == nil {
		c.Close()
		t.Fatal("expected error for wrong token, got successful connection")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 Forbidden, got %+v", resp)
	}
}

func TestHandleWS_RejectsForeignOrigin(t *testing.T) {
	_, _, url := startTestServer(t, "tok")

	d := websocket.Dialer{Subprotocols: []string{subprotocolPrefix + "tok"}}
	h := http.Header{}
	h.Set("Origin", "http://evil.example.com")
	c, resp, err := d.Dial(url, h)
	if err == nil {
		c.Close()
		t.Fatal("expected origin check failure, got successful connection")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 Forbidden for bad origin, got %+v", resp)
	}
}

func TestHandleWS_WelcomeAndSubprotocolEcho(t *testing.T) {
	srv, _, url := startTestServer(t, "tok")
	c := dialObserver(t, url, "tok")

	if got := c.Subprotocol(); got != subprotocolPrefix+"tok" {
		t.Fatalf("expected subprotocol echoed back, got %q", got)
	}
	m := readMessage(t, c)
	if m["type"] != "welcome" {
		t.Fatalf("expected welcome message, got %v", m)
	}
	if m["sessionId"] != srv.SessionID() {
		t.Fatalf("welcome sessionId mismatch: %v != %v", m["sessionId"], srv.SessionID())
	}
}

func TestWrite_BroadcastsToObserver(t *testing.T) {
	srv, _, url := startTestServer(t, "tok")
	c := dialObserver(t, url, "tok")
	readMessage(t, c) // welcome

	if _, err := srv.Write([]byte("live output")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	m := readMessage(t, c)
	if m["type"] != "stdout" {
		t.Fatalf("expected stdout message, got %v", m)
	}
	decoded, err := base64.StdEncoding.DecodeString(m["dataBase64"].(string))
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if string(decoded) != "live output" {
		t.Fatalf("expected %q, got %q", "live output", string(decoded))
	}
}

func TestWrite_ReplayForLateJoiner(t *testing.T) {
	srv, _, url := startTestServer(t, "tok")

	if _, err := srv.Write([]byte("before anyone watched")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	c := dialObserver(t, url, "tok")
	readMessage(t, c) // welcome

	m := readMessage(t, c)
	if m["replay"] != true {
		t.Fatalf("expected replay message, got %v", m)
	}
	decoded, _ := base64.StdEncoding.DecodeString(m["dataBase64"].(string))
	if string(decoded) != "before anyone watched" {
		t.Fatalf("expected replayed output, got %q", string(decoded))
	}
}

func TestHandleWS_ReplayPrecedesLiveOutput(t *testing.T) {
	srv, _, url := startTestServer(t, "tok")

	if _, err := srv.Write([]byte("history ")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Keep broadcasting while the observer connects so a live chunk has
	// every chance to race the handshake.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, _ = srv.Write([]byte("live"))
			time.Sleep(time.Millisecond)
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	c := dialObserver(t, url, "tok")

	m := readMessage(t, c)
	if m["type"] != "welcome" {
		t.Fatalf("expected welcome first, got %v", m)
	}
	m = readMessage(t, c)
	if m["type"] != "stdout" || m["replay"] != true {
		t.Fatalf("expected replayed output before live output, got %v", m)
	}
}

func TestHandleMessage_StdinInjected(t *testing.T) {
	srv, _, url := startTestServer(t, "tok")

	var mu sync.Mutex
	var injected []byte
	srv.SetInjector(func(p []byte) error {
		mu.Lock()
		defer mu.Unlock()
		injected = append(injected, p...)
		return nil
	})

	c := dialObserver(t, url, "tok")
	readMessage(t, c) // welcome

	err := c.WriteJSON(map[string]any{
		"type":       "stdin",
		"dataBase64": base64.StdEncoding.EncodeToString([]byte("ls\n")),
	})
	if err != nil {
		t.Fatalf("send stdin message: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := string(injected)
		mu.Unlock()
		if got == "ls\n" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("injector never received input, got %q", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleMessage_ResizeRejected(t *testing.T) {
	_, _, url := startTestServer(t, "tok")
	c := dialObserver(t, url, "tok")
	readMessage(t, c) // welcome

	if err := c.WriteJSON(map[string]any{"type": "resize", "cols": 80, "rows": 24}); err != nil {
		t.Fatalf("send resize message: %v", err)
	}
	m := readMessage(t, c)
	if m["type"] != "error" {
		t.Fatalf("expected error for resize request, got %v", m)
	}
}
