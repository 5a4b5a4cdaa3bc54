//go:build !windows

// Command teepty-ctl talks to teepty sessions from the outside:
//
//	teepty-ctl -in /path/ctl text...   inject a line into a running session
//	teepty-ctl -follow /path/out.log   tail a session log live
//	teepty-ctl -history                list recent sessions
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/example/teepty/internal/follow"
	"github.com/example/teepty/internal/history"
)

func main() {
	controlPath := flag.String("in", "", "Control FIFO of a running session; positional args (or stdin) are sent to it")
	followPath := flag.String("follow", "", "Session log file to tail")
	showHistory := flag.Bool("history", false, "List recent sessions from the history file")
	flag.Parse()

	switch {
	case *controlPath != "":
		if err := send(*controlPath, flag.Args()); err != nil {
			log.Fatalf("teepty-ctl: %v", err)
		}
	case *followPath != "":
		if err := followLog(*followPath); err != nil {
			log.Fatalf("teepty-ctl: %v", err)
		}
	case *showHistory:
		if err := listHistory(); err != nil {
			log.Fatalf("teepty-ctl: %v", err)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

// send writes the joined args plus a newline (or all of stdin when no
// args are given) to the session's control FIFO. The non-blocking open
// fails fast with ENXIO when no session is reading, instead of hanging
// until one appears.
func send(path string, args []string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) && pathErr.Err == unix.ENXIO {
			return fmt.Errorf("no session is listening on %s", path)
		}
		return fmt.Errorf("open control %s: %w", path, err)
	}
	defer f.Close()

	var data []byte
	if len(args) > 0 {
		data = []byte(strings.Join(args, " ") + "\n")
	} else {
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write control %s: %w", path, err)
	}
	return nil
}

// followLog tails the log until interrupted.
func followLog(path string) error {
	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		close(stop)
	}()

	f := &follow.Follower{Path: path, Out: os.Stdout}
	return f.Run(stop)
}

func listHistory() error {
	records, err := history.NewStore().Load()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no recorded sessions")
		return nil
	}
	for _, r := range records {
		finished := time.UnixMilli(r.Finished).Format(time.RFC3339)
		line := fmt.Sprintf("%s  exit=%d  %s", finished, r.ExitCode, strings.Join(r.Args, " "))
		if r.LogPath != "" {
			line += "  log=" + r.LogPath
		}
		fmt.Println(line)
	}
	return nil
}
