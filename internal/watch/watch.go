// Package watch reacts to changes made outside the daemon: session files
// dropped into the session directory and edits to the state file.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	defaultDebounce = 250 * time.Millisecond
	// defaultIgnoreWindow hides state file events caused by our own writes.
	defaultIgnoreWindow = time.Second
)

// Opts configures a Watcher. Either path may be empty to skip it.
type Opts struct {
	SessionDir string
	StateFile  string

	// OnSessions runs after session files were created, renamed or removed.
	OnSessions func(ctx context.Context)
	// OnState runs after the state file changed on disk, unless the change
	// follows a write reported by LastWrite within IgnoreWindow.
	OnState   func(ctx context.Context)
	LastWrite func() time.Time

	Debounce     time.Duration
	IgnoreWindow time.Duration
	Log          zerolog.Logger
	Now          func() time.Time
}

// Watcher delivers debounced change callbacks.
type Watcher struct {
	opts      Opts
	fsw       *fsnotify.Watcher
	stateFile string

	closeOnce sync.Once
}

// New creates the underlying fsnotify watcher and registers the paths.
// Events are only consumed once Run is called.
func New(opts Opts) (*Watcher, error) {
	if opts.SessionDir == "" && opts.StateFile == "" {
		return nil, fmt.Errorf("watch: nothing to watch")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.IgnoreWindow <= 0 {
		opts.IgnoreWindow = defaultIgnoreWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create watcher: %w", err)
	}
	w := &Watcher{opts: opts, fsw: fsw}

	if opts.SessionDir != "" {
		opts.SessionDir = canonical(opts.SessionDir)
		w.opts.SessionDir = opts.SessionDir
		if err := fsw.Add(opts.SessionDir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch: add %s: %w", opts.SessionDir, err)
		}
	}
	if opts.StateFile != "" {
		// Watch the parent so atomic replace-by-rename is seen.
		w.stateFile = canonical(opts.StateFile)
		dir := filepath.Dir(w.stateFile)
		if dir != opts.SessionDir {
			if err := fsw.Add(dir); err != nil {
				fsw.Close()
				return nil, fmt.Errorf("watch: add %s: %w", dir, err)
			}
		}
	}
	return w, nil
}

func canonical(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// Run consumes events until ctx is cancelled or Close is called.
func (w *Watcher) Run(ctx context.Context) error {
	sessions := time.NewTimer(0)
	sessions.Stop()
	state := time.NewTimer(0)
	state.Stop()
	defer sessions.Stop()
	defer state.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			switch {
			case w.isSessionFile(ev.Name):
				if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Write) != 0 {
					sessions.Reset(w.opts.Debounce)
				}
			case w.isStateFile(ev.Name):
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					state.Reset(w.opts.Debounce)
				}
			}

		case <-sessions.C:
			w.opts.Log.Debug().Str("dir", w.opts.SessionDir).Msg("session files changed")
			if w.opts.OnSessions != nil {
				w.opts.OnSessions(ctx)
			}

		case <-state.C:
			if w.selfWrite() {
				continue
			}
			w.opts.Log.Info().Str("path", w.stateFile).Msg("state file changed on disk")
			if w.opts.OnState != nil {
				w.opts.OnState(ctx)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.opts.Log.Warn().Err(err).Msg("watch error")
		}
	}
}

// Close stops the fsnotify watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() { err = w.fsw.Close() })
	return err
}

func (w *Watcher) isSessionFile(name string) bool {
	if w.opts.SessionDir == "" || !strings.HasSuffix(name, ".session") {
		return false
	}
	return canonicalDir(name) == w.opts.SessionDir
}

func (w *Watcher) isStateFile(name string) bool {
	if w.stateFile == "" {
		return false
	}
	return filepath.Join(canonicalDir(name), filepath.Base(name)) == w.stateFile
}

// canonicalDir resolves the directory of name. The file itself may already
// be gone.
func canonicalDir(name string) string {
	return canonical(filepath.Dir(name))
}

func (w *Watcher) selfWrite() bool {
	if w.opts.LastWrite == nil {
		return false
	}
	last := w.opts.LastWrite()
	return !last.IsZero() && w.opts.Now().Sub(last) < w.opts.IgnoreWindow+w.opts.Debounce
}
