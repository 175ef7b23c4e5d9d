// Package watch monitors ingest directories and queues a fit job for each
// new FITS exposure.
package watch

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"amifit/internal/fsutil"
	"amifit/internal/pipeline"
)

// Event represents a file system change on an exposure.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified"
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

type submitter interface {
	Submit(job pipeline.Job) error
}

// Watcher turns fsnotify events on *.fits files into fit jobs. Writes to a
// file are debounced so that a job is queued once the file has been quiet
// for Settle.
type Watcher struct {
	watcher *fsnotify.Watcher
	Events  chan Event
	dirs    []string
	output  string
	pipe    submitter
	log     *slog.Logger
	newID   func() string

	Settle time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New creates a watcher over dirs. Jobs are submitted to pipe with their
// results written below output.
func New(dirs []string, output string, pipe submitter, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		watcher: fw,
		Events:  make(chan Event, 100),
		dirs:    dirs,
		output:  output,
		pipe:    pipe,
		log:     logger,
		newID:   func() string { return pipeline.NewID("watch") },
		Settle:  2 * time.Second,
		pending: make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}, nil
}

// Start adds the watched directories and begins processing events.
func (w *Watcher) Start() error {
	for _, dir := range w.dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("watch dir %s: %w", dir, err)
		}
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching directory", "dir", dir)
	}
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops the watcher and cancels pending submissions.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
		w.mu.Lock()
		for p, t := range w.pending {
			t.Stop()
			delete(w.pending, p)
		}
		w.mu.Unlock()
		close(w.Events)
	})
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			default:
				continue
			}
			if !IsExposure(event.Name) {
				continue
			}

			var size int64
			if info, err := os.Stat(event.Name); err == nil {
				size = info.Size()
			}
			ev := Event{Path: event.Name, Operation: operation, Time: time.Now(), Size: size}
			select {
			case w.Events <- ev:
			default:
				w.log.Warn("event buffer full, dropping event", "path", event.Name)
			}
			w.schedule(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// schedule (re)arms the settle timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.Settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.Settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case <-w.done:
			return
		default:
		}
		w.submit(path)
	})
}

func (w *Watcher) submit(path string) {
	job := pipeline.Job{
		ID:        w.newID(),
		Type:      pipeline.JobFit,
		InputPath: path,
		Output:    w.output,
		Options:   map[string]any{"source": "watch"},
	}
	if err := w.pipe.Submit(job); err != nil {
		w.log.Error("failed to queue exposure", "path", path, "error", err)
		return
	}
	w.log.Info("job queued", "type", job.Type, "id", job.ID, "input", path)
}

// IsExposure reports whether path names a FITS file.
func IsExposure(path string) bool { return fsutil.IsExposure(path) }
