// Package observe is an optional live view onto a running session: a
// loopback websocket server that broadcasts the child's output to
// connected observers and injects observer keystrokes into the PTY as
// synthetic input. It relays bytes only; it never interprets them.
package observe

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// replayLimit bounds the output retained for late-joining observers.
const replayLimit = 64 * 1024

// subprotocolPrefix carries the bearer token during the websocket
// handshake: auth.bearer.<token>. Tokens never appear in URLs.
const subprotocolPrefix = "auth.bearer."

// Server broadcasts session output and accepts observer input. It
// implements io.Writer so it can be wired directly as the session's
// output mirror.
type Server struct {
	Token    string
	Upgrader websocket.Upgrader

	sessionID string
	argv      []string

	mu     sync.Mutex
	conns  map[*websocket.Conn]*sync.Mutex
	replay []byte
	seq    uint64
	inject func([]byte) error
}

// NewServer creates a Server for a session about to run argv. The token
// must be presented by every observer during the handshake.
func NewServer(token string, argv []string) *Server {
	return &Server{
		Token: token,
		Upgrader: websocket.Upgrader{
			// Observers are local tools and browsers on this machine.
			// Allow loopback origins and origin-less loopback peers;
			// cross-site websockets stay blocked.
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					host, _, err := net.SplitHostPort(r.RemoteAddr)
					if err != nil {
						return false
					}
					ip := net.ParseIP(host)
					return ip != nil && ip.IsLoopback()
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				h := u.Hostname()
				if h == "localhost" {
					return true
				}
				ip := net.ParseIP(h)
				return ip != nil && ip.IsLoopback()
			},
		},
		sessionID: uuid.New().String(),
		argv:      argv,
		conns:     map[*websocket.Conn]*sync.Mutex{},
	}
}

// SetInjector installs the function that carries observer input into the
// session (typically Session.InjectInput). Until one is installed,
// observer input is dropped.
func (s *Server) SetInjector(inject func([]byte) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inject = inject
}

// SessionID returns the identifier observers see in the welcome message.
func (s *Server) SessionID() string { return s.sessionID }

// HandleWS authenticates and upgrades an observer connection, replays
// buffered output, then consumes observer messages until the connection
// closes.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	var respHdr http.Header
	authorized := false
	if raw := r.Header.Get("Sec-WebSocket-Protocol"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			p = strings.TrimSpace(p)
			if strings.HasPrefix(p, subprotocolPrefix) && strings.TrimPrefix(p, subprotocolPrefix) == s.Token {
				authorized = true
				// Echo back the selected subprotocol.
				respHdr = http.Header{}
				respHdr.Set("Sec-WebSocket-Protocol", p)
				break
			}
		}
	}
	if !authorized {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	c, err := s.Upgrader.Upgrade(w, r, respHdr)
	if err != nil {
		log.Printf("observe: upgrade error: %v", err)
		return
	}
	defer func() {
		s.dropConn(c)
		_ = c.Close()
	}()

	// Register under the connection's write lock and keep holding it
	// through the welcome and replay sends: a broadcast racing the
	// handshake queues up behind it, so an observer always sees welcome,
	// then replay, then live output.
	connMu := &sync.Mutex{}
	connMu.Lock()
	s.mu.Lock()
	s.conns[c] = connMu
	replay := make([]byte, len(s.replay))
	copy(replay, s.replay)
	s.mu.Unlock()

	err = writeJSON(c, map[string]any{
		"type":      "welcome",
		"sessionId": s.sessionID,
		"argv":      s.argv,
	})
	if err == nil && len(replay) > 0 {
		err = writeJSON(c, map[string]any{
			"type":       "stdout",
			"sessionId":  s.sessionID,
			"dataBase64": base64.StdEncoding.EncodeToString(replay),
			"replay":     true,
		})
	}
	connMu.Unlock()
	if err != nil {
		return
	}

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			log.Printf("observe: bad json from observer: %v", err)
			continue
		}
		s.handleMessage(c, m)
	}
}

// handleMessage dispatches one observer message. Only stdin injection is
// accepted; the real terminal owns the window size, so resize requests
// are rejected.
func (s *Server) handleMessage(c *websocket.Conn, m map[string]any) {
	msgType, _ := m["type"].(string)
	switch msgType {
	case "stdin":
		encoded, _ := m["dataBase64"].(string)
		payload, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			s.sendError(c, "bad dataBase64: %v", err)
			return
		}
		s.mu.Lock()
		inject := s.inject
		s.mu.Unlock()
		if inject == nil || len(payload) == 0 {
			return
		}
		if err := inject(payload); err != nil {
			s.sendError(c, "inject failed: %v", err)
		}
	case "resize":
		s.sendError(c, "resize is owned by the attached terminal")
	default:
		s.sendError(c, "unknown message type %q", msgType)
	}
}

// Write broadcasts one chunk of session output to all observers and
// appends it to the replay buffer. It never fails: broken observer
// connections are dropped, and the session must not notice.
func (s *Server) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.replay = append(s.replay, p...)
	if len(s.replay) > replayLimit {
		s.replay = s.replay[len(s.replay)-replayLimit:]
	}
	s.seq++
	seq := s.seq
	targets := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return len(p), nil
	}
	msg := map[string]any{
		"type":       "stdout",
		"sessionId":  s.sessionID,
		"dataBase64": base64.StdEncoding.EncodeToString(p),
		"seq":        seq,
	}
	for _, c := range targets {
		if err := s.sendJSON(c, msg); err != nil {
			s.dropConn(c)
			_ = c.Close()
		}
	}
	return len(p), nil
}

func (s *Server) dropConn(c *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// sendJSON serializes writes per connection; gorilla allows only one
// concurrent writer.
func (s *Server) sendJSON(c *websocket.Conn, v any) error {
	s.mu.Lock()
	connMu, ok := s.conns[c]
	s.mu.Unlock()
	if !ok {
		return websocket.ErrCloseSent
	}
	connMu.Lock()
	defer connMu.Unlock()
	return writeJSON(c, v)
}

// writeJSON writes one message without locking; the caller holds the
// connection's write mutex.
func writeJSON(c *websocket.Conn, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, buf)
}

func (s *Server) sendError(c *websocket.Conn, format string, args ...any) {
	_ = s.sendJSON(c, map[string]any{
		"type":    "error",
		"message": fmt.Sprintf(format, args...),
	})
}
