package engine

import (
	"fmt"

	"github.com/reckoner/reckoner/pkg/cache"
	"github.com/reckoner/reckoner/pkg/config"
	"github.com/reckoner/reckoner/pkg/logger"
	"github.com/reckoner/reckoner/pkg/notify"
	"github.com/reckoner/reckoner/pkg/storage"
)

// DependencyFactory creates engine collaborators from configuration
type DependencyFactory struct {
	logger logger.Logger
}

// NewDependencyFactory creates a new dependency factory
func NewDependencyFactory(log logger.Logger) *DependencyFactory {
	return &DependencyFactory{logger: log}
}

// CreateDefaults builds the default collaborator set for a configuration:
// sqlite persistence when a database path is set, in-memory otherwise;
// desktop notifications when enabled, log-only otherwise. The transport
// slot stays empty so the engine owns its pool.
func (f *DependencyFactory) CreateDefaults(cfg *config.Config) (Dependencies, error) {
	var store storage.Store
	if cfg.Database.Path != "" {
		s, err := storage.Open(cfg.Database.Path)
		if err != nil {
			return Dependencies{}, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
		}
		store = s
	} else {
		store = storage.NewMemoryStore()
	}

	var notifier notify.Notifier
	if cfg.Notifications.Enabled {
		notifier = notify.NewDesktop(notify.Config{Enabled: true}, f.logger)
	} else {
		notifier = notify.NewLog(f.logger)
	}

	return Dependencies{
		Store:    store,
		Notifier: notifier,
		Cache:    cache.NewMemory(),
	}, nil
}
