package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-client/internal/config"
)

// NewStore creates a store based on configuration
func NewStore(logger *zap.Logger, cfg *config.StorageConfig) (Store, error) {
	logger.Info("Initializing session storage", zap.String("type", cfg.Type))
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "disk":
		return NewDiskStore(cfg.Disk.Path)
	case "db":
		dsn := cfg.Database.DSN
		if dsn == "" && cfg.Database.Driver == "sqlite" {
			if err := os.MkdirAll(cfg.Disk.Path, 0o700); err != nil {
				return nil, err
			}
			dsn = filepath.Join(cfg.Disk.Path, "session.db")
		}
		return NewDBStore(cfg.Database.Driver, dsn)
	case "redis":
		return NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
