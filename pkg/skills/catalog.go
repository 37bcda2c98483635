package skills

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Catalog holds the loaded skill set as an atomic snapshot and refreshes it
// when the skills directory changes on disk.
type Catalog struct {
	dir      string
	logger   zerolog.Logger
	snapshot atomic.Pointer[[]Doc]

	watcher  *fsnotify.Watcher
	debounce time.Duration
	timer    *time.Timer
	stopCh   chan struct{}
}

// NewCatalog loads the directory once and starts watching it for changes.
// A missing directory is fine; the catalog then serves built-ins only.
func NewCatalog(dir string, logger zerolog.Logger) (*Catalog, error) {
	c := &Catalog{
		dir:      dir,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}
	c.Reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	c.watcher = watcher

	if err := watcher.Add(dir); err != nil {
		logger.Debug().Err(err).Str("dir", dir).Msg("skills directory not watchable yet")
	}

	go c.run()

	return c, nil
}

// Docs returns the current snapshot. The slice must not be mutated.
func (c *Catalog) Docs() []Doc {
	if docs := c.snapshot.Load(); docs != nil {
		return *docs
	}
	return nil
}

// Reload re-reads the skills directory and swaps in a fresh snapshot.
func (c *Catalog) Reload() {
	docs := LoadDir(c.dir)
	c.snapshot.Store(&docs)
}

// Stop stops the directory watcher.
func (c *Catalog) Stop() error {
	close(c.stopCh)
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

func (c *Catalog) run() {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), ".md") {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				c.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("skill change detected")
				c.scheduleReload()
			}

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error().Err(err).Msg("skills watcher error")

		case <-c.stopCh:
			return
		}
	}
}

func (c *Catalog) scheduleReload() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, func() {
		c.logger.Debug().Msg("reloading skill catalog after file changes")
		c.Reload()
	})
}
