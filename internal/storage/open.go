package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	logx "pushgate/pkg/logx"
)

// Store is the persistence API used by the audit recorder and admin server.
type Store interface {
	PutExpiredToken(ctx context.Context, t ExpiredToken) error
	// ExpiredTokens lists records at or after since, oldest first. limit <= 0
	// means no limit.
	ExpiredTokens(ctx context.Context, since time.Time, limit int) ([]ExpiredToken, error)
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

func normalizeToken(t *ExpiredToken) error {
	t.Token = strings.ToLower(strings.TrimSpace(t.Token))
	if t.Token == "" {
		return fmt.Errorf("storage: empty token")
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}
	if t.Reason == "" {
		t.Reason = ReasonExpired
	}
	return nil
}

// selectSince filters, sorts and limits an in-memory token set.
func selectSince(all []ExpiredToken, since time.Time, limit int) []ExpiredToken {
	out := make([]ExpiredToken, 0, len(all))
	for _, t := range all {
		if !t.At.Before(since) {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b ExpiredToken) int {
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}
		return strings.Compare(a.Token, b.Token)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
