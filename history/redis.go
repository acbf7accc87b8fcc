// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kiln-build/kiln/lib/clock"
	"github.com/kiln-build/kiln/lib/codec"
	"github.com/kiln-build/kiln/lib/schema/build"
)

// RedisStore is the shared-deployment history backend. Per-build
// events live in a sorted set scored by seq, so range queries map
// directly onto ZRANGEBYSCORE with an exclusive lower bound.
//
// Keyspace (under the configured prefix):
//
//	{prefix}:events:{build}    ZSET  score=seq, member=CBOR event
//	{prefix}:snapshot:{build}  STR   CBOR snapshot
//	{prefix}:bundle:{build}    STR   CBOR bundle
//	{prefix}:builds            ZSET  score=ended_at ms (0 while live)
//	{prefix}:project:{name}    SET   build ids
type RedisStore struct {
	rdb         *redis.Client
	prefix      string
	clock       clock.Clock
	logger      *slog.Logger
	compression Compression
}

// RedisConfig holds the parameters for opening a Redis history
// store.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password authenticates to the server. Empty for none.
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces all keys. Defaults to "kiln".
	KeyPrefix string

	// Compression selects the bundle codec for compaction.
	Compression Compression

	// Clock provides timestamps for bundle creation.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// OpenRedis creates a Redis history store. The connection is not
// probed here: the hub starts with the store marked healthy and the
// appender discovers outages on first write, so a down Redis delays
// persistence instead of blocking startup. Use Ping for an explicit
// health check.
func OpenRedis(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("history: redis Addr is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("history: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("history: Logger is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "kiln"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisStore{
		rdb:         rdb,
		prefix:      prefix,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		compression: cfg.Compression,
	}, nil
}

// Ping verifies connectivity to the Redis server.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) eventsKey(buildID string) string {
	return s.prefix + ":events:" + buildID
}

func (s *RedisStore) snapshotKey(buildID string) string {
	return s.prefix + ":snapshot:" + buildID
}

func (s *RedisStore) bundleKey(buildID string) string {
	return s.prefix + ":bundle:" + buildID
}

func (s *RedisStore) buildsKey() string {
	return s.prefix + ":builds"
}

func (s *RedisStore) projectKey(project string) string {
	return s.prefix + ":project:" + project
}

// Append adds one event to the build's sorted set. ZADD with an
// identical member and score is a no-op, so appender retries are
// idempotent.
func (s *RedisStore) Append(ctx context.Context, event *build.Event) error {
	raw, err := codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("history: append %s seq %d: %w", event.BuildID, event.Seq, err)
	}

	err = s.rdb.ZAdd(ctx, s.eventsKey(event.BuildID), redis.Z{
		Score:  float64(event.Seq),
		Member: raw,
	}).Err()
	if err != nil {
		return fmt.Errorf("history: append %s seq %d: %w", event.BuildID, event.Seq, err)
	}
	return nil
}

// QueryRange returns the build's events with seq in (fromSeq, toSeq],
// reading the compacted bundle (if any) and raw members. Raw members
// at or below the bundle's high seq are skipped so an interrupted
// compaction never yields duplicates.
func (s *RedisStore) QueryRange(ctx context.Context, buildID string, fromSeq, toSeq uint64) ([]build.Event, error) {
	var out []build.Event
	rawFrom := fromSeq

	bundleRaw, err := s.rdb.Get(ctx, s.bundleKey(buildID)).Bytes()
	switch {
	case err == nil:
		var bundle Bundle
		if err := codec.Unmarshal(bundleRaw, &bundle); err != nil {
			return nil, fmt.Errorf("history: query range %s: decode bundle: %w", buildID, err)
		}
		bundled, err := bundle.EventsInRange(fromSeq, toSeq)
		if err != nil {
			return nil, fmt.Errorf("history: query range %s: %w", buildID, err)
		}
		out = append(out, bundled...)
		if bundle.ToSeq > rawFrom {
			rawFrom = bundle.ToSeq
		}
	case errors.Is(err, redis.Nil):
		// No bundle: raw members only.
	default:
		return nil, fmt.Errorf("history: query range %s: %w", buildID, err)
	}

	members, err := s.rdb.ZRangeByScore(ctx, s.eventsKey(buildID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatUint(rawFrom, 10),
		Max: strconv.FormatUint(toSeq, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("history: query range %s: %w", buildID, err)
	}

	for _, member := range members {
		var event build.Event
		if err := codec.Unmarshal([]byte(member), &event); err != nil {
			return nil, fmt.Errorf("history: query range %s: decode event: %w", buildID, err)
		}
		out = append(out, event)
	}
	return out, nil
}

// LatestSnapshot returns the stored snapshot for the build, or
// ErrNotFound.
func (s *RedisStore) LatestSnapshot(ctx context.Context, buildID string) (build.Snapshot, error) {
	raw, err := s.rdb.Get(ctx, s.snapshotKey(buildID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return build.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return build.Snapshot{}, fmt.Errorf("history: latest snapshot %s: %w", buildID, err)
	}
	return decodeSnapshot(raw)
}

// PutSnapshot stores the build's snapshot and maintains the builds
// and project indexes in one pipeline.
func (s *RedisStore) PutSnapshot(ctx context.Context, snapshot build.Snapshot) error {
	raw, err := encodeSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("history: put snapshot %s: %w", snapshot.BuildID, err)
	}

	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.snapshotKey(snapshot.BuildID), raw, 0)
		pipe.ZAdd(ctx, s.buildsKey(), redis.Z{
			Score:  float64(snapshot.EndedAt),
			Member: snapshot.BuildID,
		})
		pipe.SAdd(ctx, s.projectKey(snapshot.Project), snapshot.BuildID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("history: put snapshot %s: %w", snapshot.BuildID, err)
	}
	return nil
}

// ListSnapshots returns stored snapshots for the project, most
// recently started first. A non-positive limit means no limit.
func (s *RedisStore) ListSnapshots(ctx context.Context, project string, limit int) ([]build.Snapshot, error) {
	ids, err := s.rdb.SMembers(ctx, s.projectKey(project)).Result()
	if err != nil {
		return nil, fmt.Errorf("history: list snapshots %s: %w", project, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.snapshotKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("history: list snapshots %s: %w", project, err)
	}

	var snapshots []build.Snapshot
	for _, value := range values {
		text, ok := value.(string)
		if !ok {
			// Index member whose snapshot key has been deleted.
			continue
		}
		snapshot, err := decodeSnapshot([]byte(text))
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].StartedAt > snapshots[j].StartedAt
	})
	if limit > 0 && len(snapshots) > limit {
		snapshots = snapshots[:limit]
	}
	return snapshots, nil
}

// Compact folds the raw event members of closed builds into bundles.
// Candidates come from the builds index: score above zero means
// terminal, below cutoff means past retention. The bundle is written
// before the raw members are deleted; a crash between the two leaves
// both present, which the next pass (and QueryRange's seq guard)
// handles.
func (s *RedisStore) Compact(ctx context.Context, cutoff time.Time) (CompactStats, error) {
	candidates, err := s.rdb.ZRangeByScore(ctx, s.buildsKey(), &redis.ZRangeBy{
		Min: "(0",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return CompactStats{}, fmt.Errorf("history: compact: scan candidates: %w", err)
	}

	var stats CompactStats
	for _, buildID := range candidates {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := s.compactBuild(ctx, buildID, &stats); err != nil {
			return stats, err
		}
	}

	if stats.BuildsCompacted > 0 {
		s.logger.Info("history compacted",
			"builds", stats.BuildsCompacted,
			"events", stats.EventsBundled,
			"bytes_in", stats.BytesIn,
			"bytes_out", stats.BytesOut,
		)
	}
	return stats, nil
}

// compactBuild bundles one build's raw members and deletes them.
func (s *RedisStore) compactBuild(ctx context.Context, buildID string, stats *CompactStats) error {
	key := s.eventsKey(buildID)
	members, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return fmt.Errorf("history: compact %s: %w", buildID, err)
	}
	if len(members) == 0 {
		return nil
	}

	events := make([]build.Event, 0, len(members))
	for _, member := range members {
		var event build.Event
		if err := codec.Unmarshal([]byte(member), &event); err != nil {
			return fmt.Errorf("history: compact %s: decode event: %w", buildID, err)
		}
		events = append(events, event)
	}

	bundle, err := EncodeBundle(events, s.compression, s.clock.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("history: compact %s: %w", buildID, err)
	}
	bundleRaw, err := codec.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("history: compact %s: %w", buildID, err)
	}

	if err := s.rdb.Set(ctx, s.bundleKey(buildID), bundleRaw, 0).Err(); err != nil {
		return fmt.Errorf("history: compact %s: write bundle: %w", buildID, err)
	}
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("history: compact %s: delete members: %w", buildID, err)
	}

	stats.BuildsCompacted++
	stats.EventsBundled += len(events)
	stats.BytesIn += int64(bundle.RawSize)
	stats.BytesOut += int64(len(bundle.Payload))
	return nil
}
