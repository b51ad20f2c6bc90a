// Package history persists finished scan results.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gainscan/config"
	"gainscan/logger"
	"gainscan/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("history record not found")

// Store is an append-only log of result bundles with id-ordered retention.
type Store interface {
	Append(ctx context.Context, bundle *models.ResultBundle, settings config.Settings) (int64, error)
	Latest(ctx context.Context) (*models.HistoryRecord, error)
	Get(ctx context.Context, id int64) (*models.HistoryRecord, error)
	List(ctx context.Context, limit int) ([]models.HistorySummary, error)
	Prune(ctx context.Context, keep int) (int, error)
	Close() error
}

// Open builds the store selected by storage.history.backend.
func Open(ctx context.Context, cfg config.HistoryConfig, log *logger.Log) (Store, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	l := log.WithComponent("history").WithFields(logger.Fields{"backend": cfg.Backend})

	switch cfg.Backend {
	case "", "file":
		s, err := OpenFileStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		l.WithFields(logger.Fields{"path": cfg.Path}).Info("history store opened")
		return s, nil
	case "memory":
		l.Info("history store opened")
		return OpenFileStore("")
	case "postgres":
		s, err := OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		l.Info("history store opened")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}

func encodeSettings(s config.Settings) (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	return data, nil
}
