// Package redis stores session snapshots and reports in Redis.
//
// Keys:
//
//	<prefix>:session:<id>   JSON session snapshot
//	<prefix>:active         set of non-archived session ids
//	<prefix>:report:<id>    JSON report
//	<prefix>:reports        sorted set of report ids scored by creation time
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/loanmesh/core"
)

// Options configures a Store.
type Options struct {
	// Prefix namespaces all keys. Defaults to "loanmesh".
	Prefix string
	// ArchiveTTL expires archived session snapshots. Zero keeps them.
	ArchiveTTL time.Duration
}

// Store implements core.SessionStore and core.ReportArchive on Redis.
type Store struct {
	redis *redis.Client
	opts  Options
}

var (
	_ core.SessionStore  = (*Store)(nil)
	_ core.ReportArchive = (*Store)(nil)
)

// New connects to the Redis server at url and pings it.
func New(url string, optFns ...func(o *Options)) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewFromClient(client, optFns...), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, optFns ...func(o *Options)) *Store {
	opts := Options{Prefix: "loanmesh"}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{redis: client, opts: opts}
}

// Close closes the underlying client.
func (s *Store) Close() error { return s.redis.Close() }

func (s *Store) sessionKey(id string) string { return fmt.Sprintf("%s:session:%s", s.opts.Prefix, id) }
func (s *Store) activeKey() string           { return s.opts.Prefix + ":active" }
func (s *Store) reportKey(id string) string  { return fmt.Sprintf("%s:report:%s", s.opts.Prefix, id) }
func (s *Store) reportsKey() string          { return s.opts.Prefix + ":reports" }

// Save writes the snapshot and marks the session active.
func (s *Store) Save(ctx context.Context, sess *core.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, s.sessionKey(sess.ID), data, 0)
	pipe.SAdd(ctx, s.activeKey(), sess.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Load reads the latest snapshot of a session.
func (s *Store) Load(ctx context.Context, id string) (*core.Session, error) {
	data, err := s.redis.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.NewError(core.CodeSessionNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	var sess core.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

// Archive writes the final snapshot, applying ArchiveTTL, and removes the
// session from the active set.
func (s *Store) Archive(ctx context.Context, sess *core.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, s.sessionKey(sess.ID), data, s.opts.ArchiveTTL)
	pipe.SRem(ctx, s.activeKey(), sess.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}
	return nil
}

// Active lists ids of non-archived sessions, sorted.
func (s *Store) Active(ctx context.Context) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Put stores a report and indexes it by creation time.
func (s *Store) Put(ctx context.Context, r core.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, s.reportKey(r.SessionID), data, 0)
	pipe.ZAdd(ctx, s.reportsKey(), redis.Z{Score: float64(r.CreatedAt.UnixMilli()), Member: r.SessionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}
	return nil
}

// Get reads the report of a session.
func (s *Store) Get(ctx context.Context, sessionID string) (core.Report, error) {
	data, err := s.redis.Get(ctx, s.reportKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.Report{}, core.NewError(core.CodeSessionNotFound, "no report for session %s", sessionID)
	}
	if err != nil {
		return core.Report{}, fmt.Errorf("failed to get report: %w", err)
	}
	var r core.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return core.Report{}, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return r, nil
}

// List returns up to limit reports, newest first. A limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]core.Report, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.redis.ZRevRange(ctx, s.reportsKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	if len(ids) == 0 {
		return []core.Report{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.reportKey(id)
	}
	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get reports: %w", err)
	}

	out := make([]core.Report, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // index entry without a report
		}
		var r core.Report
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal report: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}
