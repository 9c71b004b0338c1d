package app

import (
	"fmt"
	"strings"
	"time"

	"pushgate/internal/config"
	"pushgate/internal/storage"
)

// mapStorageConfig reports enabled=false for driver none.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := config.StorageDriver(sc.Driver)
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			path = "./pushgate"
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	case "redis":
		url := strings.TrimSpace(sc.RedisURL)
		if url == "" {
			return storage.Config{}, false, fmt.Errorf("storage.redis_url is required when storage.driver=redis")
		}
		return storage.Config{Driver: driver, RedisURL: url, DeliveryLogMax: sc.DeliveryLogMax}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
