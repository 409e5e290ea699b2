package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/config"
	"github.com/dkeye/Studyroom/internal/domain"
)

type Postgres struct {
	pool  *pgxpool.Pool
	limit int
}

func NewPostgres(ctx context.Context, cfg config.StoreConfig) (*Postgres, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	pcfg.MaxConns = 25
	pcfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{pool: pool, limit: historyLimit(0, cfg.HistoryLimit)}
	if err := p.AutoMigrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Str("module", "store.postgres").Msg("connected")
	return p, nil
}

func (p *Postgres) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS study_sessions (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL DEFAULT 'peer',
			status TEXT NOT NULL DEFAULT 'waiting',
			owner_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS session_enrollments (
			session_id TEXT REFERENCES study_sessions(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			enrolled_at TIMESTAMPTZ DEFAULT now(),
			PRIMARY KEY (session_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS whiteboard_snapshots (
			session_id TEXT PRIMARY KEY,
			drawing_data JSONB NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			sender_role TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS chat_messages_session_created ON chat_messages (session_id, created_at)`,
	}
	for _, q := range queries {
		if _, err := p.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (p *Postgres) LoadSnapshot(ctx context.Context, sid domain.SessionID) (domain.Snapshot, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT drawing_data FROM whiteboard_snapshots WHERE session_id = $1`, string(sid)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (p *Postgres) SaveSnapshot(ctx context.Context, sid domain.SessionID, snap domain.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO whiteboard_snapshots (session_id, drawing_data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id) DO UPDATE SET drawing_data = EXCLUDED.drawing_data, updated_at = now()`,
		string(sid), raw)
	return err
}

func (p *Postgres) AppendMessage(ctx context.Context, msg domain.ChatMessage) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, session_id, sender_id, sender_name, sender_role, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		string(msg.ID), string(msg.SessionID), string(msg.SenderID), msg.SenderName, string(msg.SenderRole), msg.Content, msg.CreatedAt)
	return err
}

func (p *Postgres) Messages(ctx context.Context, sid domain.SessionID, limit int) ([]domain.ChatMessage, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, sender_id, sender_name, sender_role, content, created_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(sid), historyLimit(limit, p.limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChatMessage
	for rows.Next() {
		var (
			m                                   domain.ChatMessage
			id, session, sender, name, role, ct string
		)
		if err := rows.Scan(&id, &session, &sender, &name, &role, &ct, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ID, m.SessionID, m.SenderID = domain.MessageID(id), domain.SessionID(session), domain.UserID(sender)
		m.SenderName, m.SenderRole, m.Content = name, domain.Role(role), ct
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (p *Postgres) Session(ctx context.Context, sid domain.SessionID) (domain.Enrollment, error) {
	var (
		e                   domain.Enrollment
		kind, status, owner string
	)
	err := p.pool.QueryRow(ctx, `SELECT kind, status, owner_id, title FROM study_sessions WHERE id = $1`, string(sid)).
		Scan(&kind, &status, &owner, &e.Session.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Enrollment{}, ErrNotFound
	}
	if err != nil {
		return domain.Enrollment{}, err
	}
	e.Session.ID = sid
	e.Session.Kind = domain.SessionKind(kind)
	e.Session.Status = domain.SessionStatus(status)
	e.Session.OwnerID = domain.UserID(owner)

	rows, err := p.pool.Query(ctx, `SELECT user_id FROM session_enrollments WHERE session_id = $1 ORDER BY user_id`, string(sid))
	if err != nil {
		return domain.Enrollment{}, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return domain.Enrollment{}, err
	}
	e.Enrolled = make([]domain.UserID, 0, len(ids))
	for _, id := range ids {
		e.Enrolled = append(e.Enrolled, domain.UserID(id))
	}
	return e, nil
}

func (p *Postgres) PutSession(ctx context.Context, s domain.Session) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO study_sessions (id, kind, status, owner_id, title)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, status = EXCLUDED.status,
			owner_id = EXCLUDED.owner_id, title = EXCLUDED.title`,
		string(s.ID), string(s.Kind), string(s.Status), string(s.OwnerID), s.Title)
	return err
}

func (p *Postgres) Enroll(ctx context.Context, sid domain.SessionID, uid domain.UserID) error {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO session_enrollments (session_id, user_id)
		SELECT id, $2 FROM study_sessions WHERE id = $1
		ON CONFLICT DO NOTHING`, string(sid), string(uid))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.Session(ctx, sid); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
