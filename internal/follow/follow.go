// Package follow tails a session log: existing contents first, then bytes
// as the relay appends them, the way tail -f does.
package follow

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Follower streams a growing file to Out.
type Follower struct {
	Path string
	Out  io.Writer

	// PollInterval is the drain cadence used alongside (and as fallback
	// for) fsnotify events. Defaults to 500ms.
	PollInterval time.Duration
}

// Run copies the file's current contents to Out, then follows appended
// bytes until stop is closed. Change notification uses fsnotify when
// available; a periodic poll backs it up and takes over entirely when the
// watcher cannot be created. Truncation rewinds to the start of the file.
func (f *Follower) Run(stop <-chan struct{}) error {
	out := f.Out
	if out == nil {
		out = os.Stdout
	}
	interval := f.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer file.Close()

	if _, err := io.Copy(out, file); err != nil {
		return fmt.Errorf("copy %s: %w", f.Path, err)
	}

	var events chan fsnotify.Event
	var errs chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("follow: fsnotify unavailable (%v); polling every %v", err, interval)
	} else {
		defer watcher.Close()
		if err := watcher.Add(f.Path); err != nil {
			log.Printf("follow: cannot watch %s (%v); polling every %v", f.Path, err, interval)
		} else {
			events = watcher.Events
			errs = watcher.Errors
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Write) {
				if err := f.drain(file, out); err != nil {
					return err
				}
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Printf("follow: watcher error: %v", err)
		case <-ticker.C:
			if err := f.drain(file, out); err != nil {
				return err
			}
		}
	}
}

// drain copies everything appended since the last read. A file that
// shrank was truncated by a new session; start over from the top.
func (f *Follower) drain(file *os.File, out io.Writer) error {
	if info, err := os.Stat(f.Path); err == nil {
		pos, seekErr := file.Seek(0, io.SeekCurrent)
		if seekErr == nil && info.Size() < pos {
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("rewind %s: %w", f.Path, err)
			}
		}
	}
	if _, err := io.Copy(out, file); err != nil {
		return fmt.Errorf("copy %s: %w", f.Path, err)
	}
	return nil
}
