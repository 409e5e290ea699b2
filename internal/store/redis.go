package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/config"
	"github.com/dkeye/Studyroom/internal/domain"
)

// Redis stores JSON values under studyroom:session:<id>:* keys. Chat history
// is a capped list, enrollment is a set.
type Redis struct {
	rdb   *redis.Client
	limit int
}

func NewRedis(ctx context.Context, cfg config.StoreConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	log.Info().Str("module", "store.redis").Str("addr", cfg.RedisAddr).Msg("connected")
	return &Redis{rdb: rdb, limit: historyLimit(0, cfg.HistoryLimit)}, nil
}

func key(sid domain.SessionID, part string) string {
	return "studyroom:session:" + string(sid) + ":" + part
}

func (r *Redis) getJSON(ctx context.Context, k string, v any) error {
	b, err := r.rdb.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (r *Redis) LoadSnapshot(ctx context.Context, sid domain.SessionID) (domain.Snapshot, error) {
	var snap domain.Snapshot
	if err := r.getJSON(ctx, key(sid, "whiteboard"), &snap); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

func (r *Redis) SaveSnapshot(ctx context.Context, sid domain.SessionID, snap domain.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, key(sid, "whiteboard"), b, 0).Err()
}

func (r *Redis) AppendMessage(ctx context.Context, msg domain.ChatMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	added, err := r.rdb.SAdd(ctx, key(msg.SessionID, "message_ids"), string(msg.ID)).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return nil
	}
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, key(msg.SessionID, "messages"), b)
	pipe.LTrim(ctx, key(msg.SessionID, "messages"), int64(-r.limit), -1)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) Messages(ctx context.Context, sid domain.SessionID, limit int) ([]domain.ChatMessage, error) {
	n := historyLimit(limit, r.limit)
	raw, err := r.rdb.LRange(ctx, key(sid, "messages"), int64(-n), -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.ChatMessage, 0, len(raw))
	for _, s := range raw {
		var msg domain.ChatMessage
		if err := json.Unmarshal([]byte(s), &msg); err != nil {
			log.Warn().Err(err).Str("module", "store.redis").Str("session", string(sid)).Msg("skipping bad message")
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (r *Redis) Session(ctx context.Context, sid domain.SessionID) (domain.Enrollment, error) {
	var meta domain.Session
	if err := r.getJSON(ctx, key(sid, "meta"), &meta); err != nil {
		return domain.Enrollment{}, err
	}
	members, err := r.rdb.SMembers(ctx, key(sid, "enrolled")).Result()
	if err != nil {
		return domain.Enrollment{}, err
	}
	slices.Sort(members)
	enrolled := make([]domain.UserID, 0, len(members))
	for _, m := range members {
		enrolled = append(enrolled, domain.UserID(m))
	}
	return domain.Enrollment{Session: meta, Enrolled: enrolled}, nil
}

func (r *Redis) PutSession(ctx context.Context, s domain.Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, key(s.ID, "meta"), b, 0).Err()
}

func (r *Redis) Enroll(ctx context.Context, sid domain.SessionID, uid domain.UserID) error {
	n, err := r.rdb.Exists(ctx, key(sid, "meta")).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return r.rdb.SAdd(ctx, key(sid, "enrolled"), string(uid)).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }
