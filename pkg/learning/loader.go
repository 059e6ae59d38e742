package learning

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/FLASH-73/assembler/pkg/engine"
)

// DefaultDebounce is how long Watch waits after the last change to a
// checkpoint before invalidating it.
const DefaultDebounce = 500 * time.Millisecond

type cacheKey struct {
	assemblyID string
	stepID     string
}

// FileLoader loads checkpoints from a policies directory.
type FileLoader struct {
	dir      string
	logger   zerolog.Logger
	debounce time.Duration
	onReload func(assemblyID, stepID string)

	mu      sync.RWMutex
	cache   map[cacheKey]*LinearPolicy
	gens    map[cacheKey]uint64
	epoch   uint64
	watcher *fsnotify.Watcher
	timers  map[cacheKey]*time.Timer

	// afterRead runs between reading a checkpoint and caching it.
	afterRead func(cacheKey)
}

// LoaderOption configures a FileLoader.
type LoaderOption func(*FileLoader)

// WithLoaderLogger sets the loader logger.
func WithLoaderLogger(logger zerolog.Logger) LoaderOption {
	return func(l *FileLoader) {
		l.logger = logger.With().Str("component", "policy-loader").Logger()
	}
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) LoaderOption {
	return func(l *FileLoader) {
		l.debounce = d
	}
}

// WithReloadHook registers a callback invoked after a watched checkpoint is invalidated.
func WithReloadHook(fn func(assemblyID, stepID string)) LoaderOption {
	return func(l *FileLoader) {
		l.onReload = fn
	}
}

// NewFileLoader creates a loader rooted at dir. The directory need not exist yet.
func NewFileLoader(dir string, opts ...LoaderOption) *FileLoader {
	l := &FileLoader{
		dir:      dir,
		logger:   zerolog.Nop(),
		debounce: DefaultDebounce,
		cache:    make(map[cacheKey]*LinearPolicy),
		gens:     make(map[cacheKey]uint64),
		timers:   make(map[cacheKey]*time.Timer),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the policies directory.
func (l *FileLoader) Dir() string {
	return l.dir
}

// Path returns the checkpoint path for (assemblyID, stepID). Ids are not
// validated; Load, Has and WriteCheckpoint reject ids that escape the directory.
func (l *FileLoader) Path(assemblyID, stepID string) string {
	return filepath.Join(l.dir, assemblyID, stepID, CheckpointFile)
}

// Load implements engine.PolicyLoader. A missing checkpoint yields (nil, nil).
func (l *FileLoader) Load(ctx context.Context, assemblyID, stepID string) (engine.Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkIDs(assemblyID, stepID); err != nil {
		return nil, err
	}

	// Serve from cache, remembering the generation on a miss
	key := cacheKey{assemblyID, stepID}
	l.mu.RLock()
	cached, ok := l.cache[key]
	gen := l.currentGen(key)
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	p, err := ReadCheckpoint(l.Path(assemblyID, stepID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if l.afterRead != nil {
		l.afterRead(key)
	}

	// An invalidation since the read means p may be stale; return it uncached
	l.mu.Lock()
	if l.currentGen(key) == gen {
		l.cache[key] = p
	}
	l.mu.Unlock()

	l.logger.Debug().
		Str("assembly_id", assemblyID).
		Str("step_id", stepID).
		Int("chunk_size", p.Chunk).
		Msg("Checkpoint loaded")

	return p, nil
}

// Has reports whether a checkpoint file exists for (assemblyID, stepID).
func (l *FileLoader) Has(assemblyID, stepID string) bool {
	if checkIDs(assemblyID, stepID) != nil {
		return false
	}
	_, err := os.Stat(l.Path(assemblyID, stepID))
	return err == nil
}

// Invalidate drops the cached checkpoint for (assemblyID, stepID).
func (l *FileLoader) Invalidate(assemblyID, stepID string) {
	l.mu.Lock()
	l.invalidateLocked(cacheKey{assemblyID, stepID})
	l.mu.Unlock()
}

// ClearCache drops every cached checkpoint.
func (l *FileLoader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[cacheKey]*LinearPolicy)
	l.epoch++
	l.mu.Unlock()
}

type generation struct {
	epoch, key uint64
}

// currentGen pairs the ClearCache epoch with the per-key counter. Callers hold l.mu.
func (l *FileLoader) currentGen(key cacheKey) generation {
	return generation{l.epoch, l.gens[key]}
}

func (l *FileLoader) invalidateLocked(key cacheKey) {
	delete(l.cache, key)
	l.gens[key]++
}

// Watch invalidates cached checkpoints when their files change. It returns
// once the watcher is installed; watching stops when ctx is done or
// StopWatching is called.
func (l *FileLoader) Watch(ctx context.Context) error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("failed to create policies directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := l.addTree(watcher, l.dir); err != nil {
		watcher.Close()
		return err
	}

	l.mu.Lock()
	if l.watcher != nil {
		l.mu.Unlock()
		watcher.Close()
		return fmt.Errorf("already watching %s", l.dir)
	}
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher)

	l.logger.Info().Str("dir", l.dir).Msg("Watching checkpoints for changes")
	return nil
}

func (l *FileLoader) addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func (l *FileLoader) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer l.release(watcher)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Checkpoint watcher error")
		}
	}
}

// handleEvent watches new directories and schedules invalidation for
// checkpoint changes.
func (l *FileLoader) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	// New assembly or step directories
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := l.addTree(watcher, event.Name); err != nil {
				l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
			}
			// Checkpoints may have landed before the directory was watched.
			l.invalidateTree(event.Name)
			return
		}
	}

	// Only checkpoint files matter; temp files from atomic writes are ignored
	if filepath.Base(event.Name) != CheckpointFile {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	key, ok := l.keyFor(event.Name)
	if !ok {
		return
	}
	l.schedule(key)
}

// invalidateTree schedules every checkpoint under root.
func (l *FileLoader) invalidateTree(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && d.Name() == CheckpointFile {
			if key, ok := l.keyFor(path); ok {
				l.schedule(key)
			}
		}
		return nil
	})
}

// keyFor maps <dir>/<assembly>/<step>/policy.json to its cache key.
func (l *FileLoader) keyFor(path string) (cacheKey, bool) {
	rel, err := filepath.Rel(l.dir, path)
	if err != nil {
		return cacheKey{}, false
	}
	stepDir := filepath.Dir(rel)
	assemblyDir := filepath.Dir(stepDir)
	if assemblyDir == "." || filepath.Dir(assemblyDir) != "." {
		return cacheKey{}, false
	}
	return cacheKey{assemblyID: assemblyDir, stepID: filepath.Base(stepDir)}, true
}

// schedule debounces invalidation so a burst of writes causes one reload.
func (l *FileLoader) schedule(key cacheKey) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Restart the timer on every event
	if t, ok := l.timers[key]; ok {
		t.Stop()
	}
	l.timers[key] = time.AfterFunc(l.debounce, func() {
		l.mu.Lock()
		l.invalidateLocked(key)
		delete(l.timers, key)
		l.mu.Unlock()

		l.logger.Info().
			Str("assembly_id", key.assemblyID).
			Str("step_id", key.stepID).
			Msg("Checkpoint changed, cache invalidated")

		if l.onReload != nil {
			l.onReload(key.assemblyID, key.stepID)
		}
	})
}

// StopWatching stops the file watcher. Safe to call more than once.
func (l *FileLoader) StopWatching() {
	l.mu.Lock()
	w := l.watcher
	l.mu.Unlock()
	if w != nil {
		l.release(w)
	}
}

func (l *FileLoader) release(watcher *fsnotify.Watcher) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher != watcher {
		return
	}
	watcher.Close()
	l.watcher = nil
	for key, t := range l.timers {
		t.Stop()
		delete(l.timers, key)
	}
}

var _ engine.PolicyLoader = (*FileLoader)(nil)
