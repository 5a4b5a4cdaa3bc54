//go:build !windows

// Command teepty runs a program inside a pseudo-terminal, relaying bytes
// between the real terminal and the child. Child output can be teed to a
// log file, out-of-band input accepted through a named pipe, and the live
// session optionally served to local observers over a websocket.
//
// teepty's own exit code is the child's translated status: the exit code
// for a normal exit, 128+signal for a signal death, 1 otherwise.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/example/teepty/internal/history"
	"github.com/example/teepty/internal/observe"
	"github.com/example/teepty/internal/session"
)

type connInfo struct {
	Port      int    `json:"port"`
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
}

func randToken() string {
	b := make([]byte, 24) // 192 bits
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func main() {
	logPath := flag.String("out", "", "Tee all child output to this log file")
	truncate := flag.Bool("truncate", false, "Truncate the log file at open instead of appending")
	noFlush := flag.Bool("no-flush", false, "Do not flush the log after every write")
	controlPath := flag.String("in", "", "Control FIFO (created if absent); bytes written to it reach the child as input")
	serveAddr := flag.String("serve", "", "Serve the live session to observers on this address (loopback only), e.g. 127.0.0.1:0")
	noHistory := flag.Bool("no-history", false, "Do not record this session in the history file")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		shell, err := detectShell()
		if err != nil {
			log.Fatalf("teepty: %v", err)
		}
		args = []string{shell}
	}

	opts := session.Options{
		Args:        args,
		LogPath:     *logPath,
		TruncateLog: *truncate,
		NoFlush:     *noFlush,
		ControlPath: *controlPath,
	}

	var server *observe.Server
	if *serveAddr != "" {
		server = observe.NewServer(randToken(), args)
		opts.Mirror = server
	}

	started := time.Now()
	s, err := session.Start(opts)
	if err != nil {
		log.Fatalf("teepty: %v", err)
	}

	if server != nil {
		server.SetInjector(s.InjectInput)
		if err := serveObservers(server, *serveAddr); err != nil {
			// The session is already running; losing the observer
			// surface is not worth killing it over.
			log.Printf("teepty: observer server disabled: %v", err)
		}
	}

	code, err := s.Run()
	if err != nil {
		log.Fatalf("teepty: %v", err)
	}

	if !*noHistory {
		record := history.NewRecord(started, args, *logPath, code)
		if err := history.NewStore().Append(record); err != nil {
			log.Printf("teepty: history not recorded: %v", err)
		}
	}

	os.Exit(code)
}

// serveObservers starts the websocket endpoint and prints the connection
// info as one JSON line. The info goes to stderr: stdout belongs to the
// session byte stream.
func serveObservers(server *observe.Server, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux}
	go func() {
		_ = srv.Serve(ln)
	}()

	info := connInfo{
		Port:      ln.Addr().(*net.TCPAddr).Port,
		Token:     server.Token,
		SessionID: server.SessionID(),
	}
	enc := json.NewEncoder(os.Stderr)
	return enc.Encode(info)
}
