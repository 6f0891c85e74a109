package ingest

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// Watcher re-ingests documentation files as they change on disk. Editors
// fire several events per save, so each path is debounced before
// submission.
type Watcher struct {
	dir       string
	submitter *Submitter
	logger    *slog.Logger
	debounce  time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewWatcher(dir string, submitter *Submitter, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:       dir,
		submitter: submitter,
		logger:    logger,
		debounce:  watchDebounce,
		timers:    map[string]*time.Timer{},
	}
}

// Run watches the directory until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.Info("watching documentation directory", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if kindForPath(event.Name) == "" {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		if err := w.ingestFile(path); err != nil {
			w.logger.Warn("ingesting watched file", "path", path, "error", err)
		}
	})
}

func (w *Watcher) ingestFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	kind := kindForPath(path)
	content := string(data)
	if kind == KindPDF {
		content = base64.StdEncoding.EncodeToString(data)
	}

	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	id, err := w.submitter.Submit(title, path, kind, content)
	if err != nil {
		return err
	}
	w.logger.Info("watched file queued", "path", path, "doc_id", id)
	return nil
}

func kindForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return KindMarkdown
	case ".txt":
		return KindText
	case ".html", ".htm":
		return KindHTML
	case ".pdf":
		return KindPDF
	default:
		return ""
	}
}
