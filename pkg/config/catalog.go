package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/openfroyo/labctl/pkg/engine"
)

const defaultReloadDelay = 500 * time.Millisecond

// Catalog holds the lab configurations read from a file or directory and
// serves them as an engine.LabSource.
type Catalog struct {
	path   string
	parser *LabParser
	logger zerolog.Logger

	mu   sync.RWMutex
	labs map[string]engine.LabConfiguration

	watcher     *fsnotify.Watcher
	reloadDelay time.Duration
	onReload    func(count int, err error)
}

var _ engine.LabSource = (*Catalog)(nil)

// NewCatalog creates an empty catalog for path. Call Load to read it.
func NewCatalog(path string, logger zerolog.Logger) *Catalog {
	return &Catalog{
		path:        path,
		parser:      NewLabParser(),
		logger:      logger.With().Str("component", "lab_catalog").Logger(),
		labs:        make(map[string]engine.LabConfiguration),
		reloadDelay: defaultReloadDelay,
	}
}

// NewStaticCatalog creates a catalog holding labs. It is never reloaded.
func NewStaticCatalog(labs ...engine.LabConfiguration) *Catalog {
	c := NewCatalog("", zerolog.Nop())
	c.labs = lo.SliceToMap(labs, func(l engine.LabConfiguration) (string, engine.LabConfiguration) {
		return l.LabID, l.Clone()
	})
	return c
}

// OnReload registers fn to run after every watcher-triggered reload.
func (c *Catalog) OnReload(fn func(count int, err error)) {
	c.onReload = fn
}

// Load parses the catalog source and replaces the current labs. On error the
// previous labs are kept.
func (c *Catalog) Load(ctx context.Context) error {
	if c.path == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	parsed, err := c.parser.Parse(c.path)
	if err != nil {
		return engine.NewConfigurationError("failed to read lab catalog", err)
	}
	if err := parsed.Err(); err != nil {
		return err
	}

	labs := lo.SliceToMap(parsed.Labs, func(l engine.LabConfiguration) (string, engine.LabConfiguration) {
		return l.LabID, l
	})

	c.mu.Lock()
	c.labs = labs
	c.mu.Unlock()

	c.logger.Info().
		Str("path", c.path).
		Int("files", len(parsed.SourceFiles)).
		Int("labs", len(labs)).
		Msg("Lab catalog loaded")
	return nil
}

// GetLab returns a copy of the lab configuration, or a NotFound error.
func (c *Catalog) GetLab(_ context.Context, labID string) (*engine.LabConfiguration, error) {
	c.mu.RLock()
	lab, ok := c.labs[labID]
	c.mu.RUnlock()
	if !ok {
		return nil, engine.NewNotFoundError("lab", labID)
	}
	out := lab.Clone()
	return &out, nil
}

// List returns copies of all labs sorted by ID.
func (c *Catalog) List() []engine.LabConfiguration {
	c.mu.RLock()
	labs := lo.MapToSlice(c.labs, func(_ string, l engine.LabConfiguration) engine.LabConfiguration {
		return l.Clone()
	})
	c.mu.RUnlock()

	sort.Slice(labs, func(i, j int) bool { return labs[i].LabID < labs[j].LabID })
	return labs
}

// Len returns the number of labs.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.labs)
}

// Watch reloads the catalog when its files change, until ctx is done or
// Close is called. A single file is watched through its directory so that
// editors replacing the file are noticed.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		return nil
	}

	info, err := os.Stat(c.path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", c.path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dir, file := c.path, ""
	if !info.IsDir() {
		dir, file = filepath.Dir(c.path), filepath.Clean(c.path)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	c.watcher = watcher

	go c.processEvents(ctx, watcher, file)

	c.logger.Info().Str("path", c.path).Msg("Started watching lab catalog")
	return nil
}

func (c *Catalog) processEvents(ctx context.Context, watcher *fsnotify.Watcher, file string) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if file != "" && filepath.Clean(event.Name) != file {
				continue
			}
			if file == "" && !IsCatalogFile(event.Name) {
				continue
			}

			c.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Lab catalog file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(c.reloadDelay, func() {
				err := c.Load(ctx)
				if err != nil {
					c.logger.Error().Err(err).Msg("Failed to reload lab catalog")
				}
				if c.onReload != nil {
					c.onReload(c.Len(), err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops watching.
func (c *Catalog) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}
