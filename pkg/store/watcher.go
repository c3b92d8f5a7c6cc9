package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/harun/postpilot/pkg/workflow"
)

// ImportWatcher watches a drop directory for workflow JSON documents.
// Files are schema-validated and saved with provenance Imported;
// invalid documents are logged and left in place for the user to fix.
type ImportWatcher struct {
	watcher  *fsnotify.Watcher
	repo     *WorkflowStore
	dir      string
	debounce time.Duration
	timers   map[string]*time.Timer
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewImportWatcher creates a watcher over dir
func NewImportWatcher(repo *WorkflowStore, dir string) (*ImportWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	iw := &ImportWatcher{
		watcher:  watcher,
		repo:     repo,
		dir:      dir,
		debounce: 500 * time.Millisecond,
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}
	return iw, nil
}

// Start imports any documents already present, then watches for new ones
func (iw *ImportWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(iw.dir, 0755); err != nil {
		return err
	}
	if err := iw.watcher.Add(iw.dir); err != nil {
		return err
	}

	entries, err := os.ReadDir(iw.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() && isWorkflowDoc(entry.Name()) {
			iw.importFile(ctx, filepath.Join(iw.dir, entry.Name()))
		}
	}

	go iw.run(ctx)
	log.Info().Str("dir", iw.dir).Msg("Workflow import watcher started")
	return nil
}

// Stop halts the watcher
func (iw *ImportWatcher) Stop() error {
	close(iw.stopCh)
	return iw.watcher.Close()
}

func (iw *ImportWatcher) run(ctx context.Context) {
	for {
		select {
		case event, ok := <-iw.watcher.Events:
			if !ok {
				return
			}
			if !isWorkflowDoc(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				iw.scheduleImport(ctx, event.Name)
			}

		case err, ok := <-iw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Import watcher error")

		case <-iw.stopCh:
			return

		case <-ctx.Done():
			return
		}
	}
}

// scheduleImport debounces per file so partially written documents
// settle before parsing
func (iw *ImportWatcher) scheduleImport(ctx context.Context, path string) {
	iw.mu.Lock()
	defer iw.mu.Unlock()

	if timer, ok := iw.timers[path]; ok {
		timer.Stop()
	}
	iw.timers[path] = time.AfterFunc(iw.debounce, func() {
		iw.mu.Lock()
		delete(iw.timers, path)
		iw.mu.Unlock()
		iw.importFile(ctx, path)
	})
}

func (iw *ImportWatcher) importFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Error().Err(err).Str("file", filepath.Base(path)).Msg("Failed to read workflow document")
		return
	}

	wf, err := workflow.ParseDocument(data, workflow.ProvenanceImported)
	if err != nil {
		log.Warn().
			Str("file", filepath.Base(path)).
			Str("error", err.Error()).
			Msg("Workflow document rejected")
		return
	}

	if err := iw.repo.Save(ctx, wf); err != nil {
		log.Error().Err(err).Str("workflow", wf.ID).Msg("Failed to save imported workflow")
		return
	}

	log.Info().
		Str("workflow", wf.ID).
		Str("name", wf.Name).
		Str("platform", wf.Platform).
		Int("steps", len(wf.Steps)).
		Msg("Workflow imported")
}

func isWorkflowDoc(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".json")
}
