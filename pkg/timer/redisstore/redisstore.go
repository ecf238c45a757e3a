// Package redisstore keeps the durable timer index in Redis, letting
// deployments sweep timers without touching the primary database. The index
// is a sorted set scored by fire time; the fired flag is a set membership,
// giving the same compare-and-set guarantee as the database stores.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lainie-ftw/capflow/pkg/models"
	"github.com/lainie-ftw/capflow/pkg/persistence"
)

const keyPrefix = "capflow"

type Store struct {
	client *redis.Client
}

var _ persistence.TimerStore = (*Store)(nil)

// NewStore connects using a redis:// URL.
func NewStore(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{client: client}, nil
}

func (s *Store) SaveTimer(ctx context.Context, timer *models.Timer) error {
	body, err := json.Marshal(timer)
	if err != nil {
		return fmt.Errorf("failed to encode timer %s: %w", timer.ID, err)
	}

	created, err := s.client.SetNX(ctx, timerKey(timer.ID), body, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save timer %s: %w", timer.ID, err)
	}

	if !created {
		// Already registered; registration is idempotent.
		return nil
	}

	if err := s.client.ZAdd(ctx, scheduleKey(), redis.Z{
		Score:  float64(timer.FireAt.UnixNano()),
		Member: timer.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to schedule timer %s: %w", timer.ID, err)
	}

	return nil
}

func (s *Store) DueTimers(ctx context.Context, now time.Time) ([]*models.Timer, error) {
	ids, err := s.client.ZRangeByScore(ctx, scheduleKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query due timers: %w", err)
	}

	out := make([]*models.Timer, 0, len(ids))

	for _, id := range ids {
		body, err := s.client.Get(ctx, timerKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Deleted between the range read and here.
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to load timer %s: %w", id, err)
		}

		var timer models.Timer
		if err := json.Unmarshal(body, &timer); err != nil {
			return nil, fmt.Errorf("failed to decode timer %s: %w", id, err)
		}

		if timer.Fired {
			continue
		}

		fired, err := s.client.SIsMember(ctx, firedKey(), id).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check timer %s fired flag: %w", id, err)
		}

		if fired {
			continue
		}

		out = append(out, &timer)
	}

	return out, nil
}

func (s *Store) MarkTimerFired(ctx context.Context, timerID string) (bool, error) {
	added, err := s.client.SAdd(ctx, firedKey(), timerID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark timer %s fired: %w", timerID, err)
	}

	return added == 1, nil
}

func (s *Store) DeleteTimer(ctx context.Context, timerID string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, scheduleKey(), timerID)
	pipe.Del(ctx, timerKey(timerID))
	pipe.SRem(ctx, firedKey(), timerID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete timer %s: %w", timerID, err)
	}

	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func timerKey(id string) string { return keyPrefix + ":timer:" + id }
func scheduleKey() string       { return keyPrefix + ":timers:schedule" }
func firedKey() string          { return keyPrefix + ":timers:fired" }
