package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/logging"
	"github.com/fixbase/docpipe/internal/queue"
	"github.com/fixbase/docpipe/internal/store"
)

// Inbox watches one flat directory and feeds settled PDFs into the
// pipeline: hash, upsert by content hash, enqueue a smart run. Duplicate
// drops of a known document enqueue a resume, which no-ops on completed
// stages.
type Inbox struct {
	db        *store.DB
	queue     *queue.Queue
	dir       string
	opts      Options
	debouncer *Debouncer
	fsw       *fsnotify.Watcher

	mu      sync.Mutex
	stopped bool
	taken   int
}

// NewInbox builds an inbox watcher over dir.
func NewInbox(db *store.DB, q *queue.Queue, dir string, opts Options) (*Inbox, error) {
	opts = opts.withDefaults()
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, pipeerr.New(pipeerr.ErrCodeInternal, "create inbox watcher", err)
	}
	return &Inbox{
		db:        db,
		queue:     q,
		dir:       dir,
		opts:      opts,
		debouncer: NewDebouncer(opts.DebounceWindow),
		fsw:       fsw,
	}, nil
}

// Run watches the inbox until the context is cancelled. Files already in
// the inbox at startup are taken in first, so work dropped while the
// worker was down is not lost.
func (i *Inbox) Run(ctx context.Context) error {
	if err := i.fsw.Add(i.dir); err != nil {
		return pipeerr.New(pipeerr.ErrCodeFileNotFound, "watch inbox "+i.dir, err)
	}
	defer i.Stop()

	go i.drainDebounced(ctx)

	i.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-i.fsw.Events:
			if !ok {
				return nil
			}
			i.handle(event)
		case err, ok := <-i.fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("inbox_watch_error", logging.Err(err))
		}
	}
}

// sweep takes in files that predate the watch.
func (i *Inbox) sweep(ctx context.Context) {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		slog.Warn("inbox_sweep_failed", logging.Err(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(i.dir, e.Name())
		if !i.accepts(path) {
			continue
		}
		i.intake(ctx, path)
	}
}

func (i *Inbox) handle(event fsnotify.Event) {
	if !i.accepts(event.Name) {
		return
	}

	var op Operation
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
	case event.Op&fsnotify.Write != 0:
		op = OpModify
	case event.Op&fsnotify.Remove != 0, event.Op&fsnotify.Rename != 0:
		op = OpDelete
	default:
		return
	}

	i.debouncer.Add(FileEvent{
		Path:      event.Name,
		Operation: op,
		Timestamp: time.Now(),
	})
}

func (i *Inbox) drainDebounced(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case events, ok := <-i.debouncer.Output():
			if !ok {
				return
			}
			for _, e := range events {
				if e.Operation == OpDelete {
					continue
				}
				i.intake(ctx, e.Path)
			}
		}
	}
}

// intake registers one settled file and enqueues its pipeline run.
func (i *Inbox) intake(ctx context.Context, path string) {
	log := slog.With(slog.String("path", path))

	hash, size, err := hashFile(path)
	if err != nil {
		// The file may still be mid-copy or already gone; the next write
		// event retries.
		log.Warn("inbox_hash_failed", logging.Err(err))
		return
	}

	id, wasNew, err := i.db.UpsertDocumentByHash(ctx, hash, &store.Document{
		ContentHash: hash,
		Filename:    filepath.Base(path),
		SizeBytes:   size,
	})
	if err != nil {
		log.Error("inbox_upsert_failed", logging.Err(err))
		return
	}

	taskID, err := i.queue.EnqueueDocumentFile(ctx, id, path, "smart",
		store.PriorityForType(store.DocTypeOther), "")
	if err != nil {
		log.Error("inbox_enqueue_failed", logging.Err(err))
		return
	}

	i.mu.Lock()
	i.taken++
	i.mu.Unlock()

	log.Info("inbox_document_enqueued",
		logging.Document(id),
		slog.String("task_id", taskID),
		slog.Bool("duplicate", !wasNew))
}

// accepts filters by extension and skips hidden and partial files.
func (i *Inbox) accepts(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range i.opts.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// Taken reports how many documents this inbox has enqueued.
func (i *Inbox) Taken() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.taken
}

// Stop closes the watcher. Safe to call twice.
func (i *Inbox) Stop() {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return
	}
	i.stopped = true
	i.mu.Unlock()

	i.debouncer.Stop()
	_ = i.fsw.Close()
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
