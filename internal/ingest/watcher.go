package ingest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/snarg/storage-transcribe/internal/pipeline"
	"github.com/snarg/storage-transcribe/internal/storage"
)

// Enqueuer accepts trigger objects for processing.
type Enqueuer interface {
	Enqueue(obj pipeline.TriggerObject, source string) bool
}

// ObjectLocator is the part of the local store the watcher needs.
type ObjectLocator interface {
	Root() string
	Locate(path string) (bucket, name string, ok bool)
	Stat(ctx context.Context, bucket, name string) (*pipeline.TriggerObject, error)
}

// WatcherStatus is reported by the health endpoint.
type WatcherStatus struct {
	Status         string `json:"status"`
	WatchDir       string `json:"watch_dir"`
	ObjectsQueued  int64  `json:"objects_queued"`
	ObjectsDropped int64  `json:"objects_dropped"`
}

// WatcherOptions configures the store watcher.
type WatcherOptions struct {
	Store    ObjectLocator
	Queue    Enqueuer
	Debounce time.Duration // default 500ms
	Log      zerolog.Logger
}

// Watcher raises a trigger for every object finalized in the local store,
// the filesystem counterpart of a bucket's object-finalize notification.
// Directories under the store root are buckets; files below them are objects.
type Watcher struct {
	store    ObjectLocator
	queue    Enqueuer
	debounce time.Duration
	log      zerolog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	queued  atomic.Int64
	dropped atomic.Int64
	status  atomic.Value // string: "starting", "watching", "stopped"
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	w := &Watcher{
		store:          opts.Store,
		queue:          opts.Queue,
		debounce:       opts.Debounce,
		log:            opts.Log.With().Str("component", "watcher").Logger(),
		debounceTimers: make(map[string]*time.Timer),
		done:           make(chan struct{}),
	}
	w.status.Store("starting")
	return w
}

// Start creates the store root if needed, watches every directory under it
// and begins raising triggers for new files.
func (w *Watcher) Start(ctx context.Context) error {
	root := w.store.Root()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw

	dirCount := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.log.Warn().Err(err).Str("path", path).Msg("error walking directory")
			return nil
		}
		if d.IsDir() {
			if addErr := fw.Add(path); addErr != nil {
				w.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
			} else {
				dirCount++
			}
		}
		return nil
	})
	if err != nil {
		fw.Close()
		return err
	}

	w.log.Info().
		Int("directories", dirCount).
		Str("watch_dir", root).
		Msg("store watcher initialized")

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.status.Store("watching")
	go w.watchLoop()
	return nil
}

// Stop closes the fsnotify watcher and cancels pending debounced triggers.
func (w *Watcher) Stop() {
	w.status.Store("stopped")
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		w.watcher.Close()
		<-w.done
	}

	w.debounceMu.Lock()
	for path, t := range w.debounceTimers {
		t.Stop()
		delete(w.debounceTimers, path)
	}
	w.debounceMu.Unlock()

	w.log.Info().
		Int64("objects_queued", w.queued.Load()).
		Int64("objects_dropped", w.dropped.Load()).
		Msg("store watcher stopped")
}

// Status returns the current watcher status for the health endpoint.
func (w *Watcher) Status() WatcherStatus {
	s, _ := w.status.Load().(string)
	return WatcherStatus{
		Status:         s,
		WatchDir:       w.store.Root(),
		ObjectsQueued:  w.queued.Load(),
		ObjectsDropped: w.dropped.Load(),
	}
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// New bucket or prefix directory.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := w.watcher.Add(event.Name); err != nil {
					w.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
				} else {
					w.log.Debug().Str("path", event.Name).Msg("watching new directory")
				}
				continue
			}

			if storage.IsSidecar(event.Name) {
				continue
			}
			w.scheduleProcess(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleProcess debounces processing so an object is only raised once it
// has stopped changing.
func (w *Watcher) scheduleProcess(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if t, ok := w.debounceTimers[path]; ok {
		t.Reset(w.debounce)
		return
	}

	w.debounceTimers[path] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		w.processFile(path)
	})
}

func (w *Watcher) processFile(path string) {
	if w.ctx.Err() != nil {
		return
	}
	bucket, name, ok := w.store.Locate(path)
	if !ok {
		w.log.Debug().Str("path", path).Msg("file outside any bucket, ignored")
		return
	}

	obj, err := w.store.Stat(w.ctx, bucket, name)
	if errors.Is(err, storage.ErrNotFound) {
		// Removed or renamed before the debounce fired.
		return
	}
	if err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("failed to stat object")
		return
	}

	if !w.queue.Enqueue(*obj, SourceWatch) {
		w.dropped.Add(1)
		return
	}
	w.queued.Add(1)
	w.log.Debug().Str("bucket", bucket).Str("object", name).Msg("object finalized")
}
