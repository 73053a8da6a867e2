// Package inbox ingests task bundles dropped into a watched directory.
// Ingested files move to processed/, rejected ones to failed/ next to a
// .error file explaining why. Files that hit a storage error stay put and
// are retried on the next change or restart.
package inbox

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hochfrequenz/claude-task-queue/internal/domain"
	"github.com/hochfrequenz/claude-task-queue/internal/lifecycle"
	"github.com/hochfrequenz/claude-task-queue/internal/parser"
	"github.com/hochfrequenz/claude-task-queue/internal/qerr"
)

const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// Ingester creates tasks from a parsed bundle
type Ingester interface {
	Ingest(ctx context.Context, story domain.Story, in lifecycle.TaskInput, hold bool) (*domain.Task, error)
	IngestBulk(ctx context.Context, story domain.Story, inputs []lifecycle.TaskInput, hold bool) ([]*domain.Task, error)
}

// Result describes one ingested file
type Result struct {
	File   string
	Source string
	Tasks  []*domain.Task
}

// Watcher monitors the inbox directory
type Watcher struct {
	dir      string
	ingester Ingester
	debounce time.Duration
	now      func() time.Time

	// Debounce state
	pending map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	// Serializes file processing
	processMu sync.Mutex
}

// New creates a watcher for dir, creating it and its processed/ and
// failed/ subdirectories when missing.
func New(dir string, ingester Ingester) (*Watcher, error) {
	for _, d := range []string{dir, filepath.Join(dir, ProcessedDir), filepath.Join(dir, FailedDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("creating inbox: %w", err)
		}
	}
	return &Watcher{
		dir:      dir,
		ingester: ingester,
		debounce: 500 * time.Millisecond, // Let writers finish the file
		now:      time.Now,
		pending:  make(map[string]struct{}),
	}, nil
}

// SetDebounce sets how long a file must be quiet before it is ingested
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Run ingests files already waiting, then watches for new ones until ctx
// is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	log.Printf("inbox watching %s", w.dir)

	if _, err := w.ProcessExisting(ctx); err != nil {
		log.Printf("inbox: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			log.Printf("inbox stopped")
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("inbox watch error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if !w.accepts(event.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[event.Name] = struct{}{}

	// Reset or start debounce timer
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.flush(ctx) })
}

// accepts filters out directories, hidden and editor temp files and
// anything outside the inbox root.
func (w *Watcher) accepts(path string) bool {
	if filepath.Dir(path) != filepath.Clean(w.dir) {
		return false
	}
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
		return false
	}
	return parser.IsBundleFile(name)
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	files := make([]string, 0, len(pending))
	for f := range pending {
		files = append(files, f)
	}
	sort.Strings(files)

	for _, f := range files {
		if ctx.Err() != nil {
			return
		}
		if _, err := os.Stat(f); err != nil {
			continue // already moved or deleted
		}
		if _, err := w.ProcessFile(ctx, f); err != nil {
			log.Printf("inbox: %v", err)
		}
	}
}

// ProcessExisting ingests every bundle file currently in the inbox, in
// name order, and returns how many were ingested.
func (w *Watcher) ProcessExisting(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("reading inbox: %w", err)
	}

	n := 0
	for _, entry := range entries {
		path := filepath.Join(w.dir, entry.Name())
		if entry.IsDir() || !w.accepts(path) {
			continue
		}
		if _, err := w.ProcessFile(ctx, path); err != nil {
			log.Printf("inbox: %v", err)
			continue
		}
		n++
	}
	return n, nil
}

// ProcessFile parses and ingests one file. Parse and validation failures
// move the file to failed/ and are returned; storage failures leave it in
// place.
func (w *Watcher) ProcessFile(ctx context.Context, path string) (*Result, error) {
	w.processMu.Lock()
	defer w.processMu.Unlock()

	name := filepath.Base(path)
	bundle, err := parser.ParseFile(path)
	if err != nil {
		return nil, w.reject(path, err)
	}

	var tasks []*domain.Task
	if len(bundle.Tasks) == 1 {
		var task *domain.Task
		task, err = w.ingester.Ingest(ctx, bundle.Story, bundle.Tasks[0], bundle.Hold)
		if task != nil {
			tasks = []*domain.Task{task}
		}
	} else {
		tasks, err = w.ingester.IngestBulk(ctx, bundle.Story, bundle.Tasks, bundle.Hold)
	}
	if err != nil {
		if qerr.IsValidation(err) {
			return nil, w.reject(path, err)
		}
		return nil, fmt.Errorf("ingesting %s: %w", name, err)
	}

	if err := os.Rename(path, w.archivePath(ProcessedDir, name)); err != nil {
		log.Printf("inbox: moving %s to %s: %v", name, ProcessedDir, err)
	}

	source := bundle.Source
	if source == "" {
		source = "inbox"
	}
	log.Printf("inbox ingested %d task(s) from %s for story %d (source %s)", len(tasks), name, bundle.Story.ID, source)
	return &Result{File: name, Source: source, Tasks: tasks}, nil
}

func (w *Watcher) reject(path string, cause error) error {
	name := filepath.Base(path)
	dest := w.archivePath(FailedDir, name)
	if err := os.Rename(path, dest); err != nil {
		log.Printf("inbox: moving %s to %s: %v", name, FailedDir, err)
	} else {
		report := cause.Error()
		if details := qerr.DetailsOf(cause); len(details) > 0 {
			keys := make([]string, 0, len(details))
			for k := range details {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				report += fmt.Sprintf("\n%s: %v", k, details[k])
			}
		}
		os.WriteFile(dest+".error", []byte(report+"\n"), 0644)
	}
	return fmt.Errorf("rejected %s: %w", name, cause)
}

func (w *Watcher) archivePath(sub, name string) string {
	return filepath.Join(w.dir, sub, w.now().UTC().Format("20060102T150405")+"-"+name)
}
