package main

import (
	"context"
	"fmt"

	"idmirror/internal/config"
	"idmirror/internal/observability"
	"idmirror/internal/storage"
)

// storeDriver opens a backend and reports its migration status. Drivers
// other than memory register themselves from build-tagged files.
type storeDriver struct {
	open   func(dsn string) (storage.Store, error)
	status func(ctx context.Context, dsn string) (string, error)
}

var drivers = map[string]storeDriver{
	"memory": {
		open: func(string) (storage.Store, error) { return storage.NewMemoryStore(), nil },
		status: func(context.Context, string) (string, error) {
			return "memory store has no schema", nil
		},
	},
}

func driverFor(name string) (storeDriver, error) {
	d, ok := drivers[name]
	if !ok {
		return storeDriver{}, fmt.Errorf("storage driver %q not compiled in; rebuild with -tags %s", name, name)
	}
	return d, nil
}

// selectStore opens the configured backend.
func selectStore(cfg config.StorageConfig, logger observability.Logger) (storage.Store, error) {
	d, err := driverFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	st, err := d.open(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	logger.Info("store opened", "driver", cfg.Driver)
	return st, nil
}

// migrationStatus opens the configured backend, which applies pending
// migrations, and returns its schema status line.
func migrationStatus(ctx context.Context, cfg config.StorageConfig) (string, error) {
	d, err := driverFor(cfg.Driver)
	if err != nil {
		return "", err
	}
	st, err := d.open(cfg.DSN)
	if err != nil {
		return "", fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	_ = st.Close()
	return d.status(ctx, cfg.DSN)
}
