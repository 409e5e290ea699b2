// Package store persists what outlives a live session: session metadata and
// enrollment, whiteboard snapshots and chat history.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Studyroom/internal/config"
	"github.com/dkeye/Studyroom/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnknownStore = errors.New("unknown store driver")
)

const defaultHistoryLimit = 50

type SnapshotStore interface {
	// LoadSnapshot returns ErrNotFound when the session was never saved.
	LoadSnapshot(ctx context.Context, sid domain.SessionID) (domain.Snapshot, error)
	SaveSnapshot(ctx context.Context, sid domain.SessionID, snap domain.Snapshot) error
}

type ChatStore interface {
	// AppendMessage ignores a message whose id is already stored.
	AppendMessage(ctx context.Context, msg domain.ChatMessage) error
	// Messages returns up to limit most recent messages, oldest first.
	Messages(ctx context.Context, sid domain.SessionID, limit int) ([]domain.ChatMessage, error)
}

type SessionStore interface {
	Session(ctx context.Context, sid domain.SessionID) (domain.Enrollment, error)
	// PutSession creates or updates metadata; enrollment is kept.
	PutSession(ctx context.Context, s domain.Session) error
	Enroll(ctx context.Context, sid domain.SessionID, uid domain.UserID) error
}

type Store interface {
	SnapshotStore
	ChatStore
	SessionStore
	Close() error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(cfg.HistoryLimit), nil
	case "redis":
		return NewRedis(ctx, cfg)
	case "postgres":
		return NewPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, cfg.Driver)
	}
}

func historyLimit(limit, max int) int {
	if max <= 0 {
		max = defaultHistoryLimit
	}
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
