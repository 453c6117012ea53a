package storage

import (
	"fmt"

	"managed-kvstore/internal/config"
	"managed-kvstore/internal/logging"
)

// FactoryOptions carries what every backend factory may read.
type FactoryOptions struct {
	// DataPath is the root under which file backends create their directories.
	DataPath string
	Settings *config.Settings
	Logger   *logging.Logger
}

// NewFactory creates the factory for kind. Nothing is opened until the first
// Factory.Open call.
func NewFactory(kind Kind, opts FactoryOptions) (Factory, error) {
	if opts.Settings == nil {
		opts.Settings = config.EmptySettings()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.DataPath == "" {
		opts.DataPath = "./data"
	}

	switch kind {
	case Memory:
		return newMemoryFactory(), nil
	case Badger:
		return newBadgerFactory(opts), nil
	case Bolt:
		return newBoltFactory(opts), nil
	case Pebble:
		return newPebbleFactory(opts), nil
	case LevelDB:
		return newLevelDBFactory(opts), nil
	case Redis:
		return newRedisFactory(opts), nil
	case SQLite:
		return newSQLiteFactory(opts), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", kind)
	}
}
