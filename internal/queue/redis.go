package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	wbfretry "github.com/wb-go/wbf/retry"

	"reminders/internal/models"
)

const DefaultRedisKey = "reminders:near_term"

// popDueScript reads and removes due members in one step so two sweeps
// sharing the key never receive the same id.
var popDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if #ids > 0 then
	redis.call('ZREM', KEYS[1], unpack(ids))
end
return ids
`)

// RedisQueue keeps the near-term queue in a sorted set scored by due time in
// milliseconds, shared by every scheduler instance pointed at the same key.
type RedisQueue struct {
	client *redis.Client
	key    string
	retry  wbfretry.Strategy
	logger *logrus.Logger
}

func NewRedisQueue(client *redis.Client, key string, logger *logrus.Logger) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{
		client: client,
		key:    key,
		retry: wbfretry.Strategy{
			Attempts: 3,
			Delay:    100 * time.Millisecond,
			Backoff:  2,
		},
		logger: logger,
	}
}

func (q *RedisQueue) Push(ctx context.Context, job *models.ScheduledJob) error {
	err := wbfretry.DoContext(ctx, q.retry, func() error {
		return q.client.ZAdd(ctx, q.key, redis.Z{
			Score:  float64(job.DueAt().UnixMilli()),
			Member: job.ID,
		}).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to push job %s to near-term queue: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	err := wbfretry.DoContext(ctx, q.retry, func() error {
		return q.client.ZRem(ctx, q.key, jobID).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to remove job %s from near-term queue: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) PopDue(ctx context.Context, now time.Time) ([]string, error) {
	maxScore := strconv.FormatInt(now.UnixMilli(), 10)

	var ids []string
	err := wbfretry.DoContext(ctx, q.retry, func() error {
		res, err := popDueScript.Run(ctx, q.client, []string{q.key}, maxScore).StringSlice()
		if err != nil && err != redis.Nil {
			return err
		}
		ids = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to pop due jobs: %w", err)
	}

	if len(ids) > 0 {
		q.logger.WithFields(logrus.Fields{
			"key":   q.key,
			"count": len(ids),
		}).Debug("Popped due jobs from near-term queue")
	}
	return ids, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read near-term queue size: %w", err)
	}
	return int(n), nil
}

// ConnectRedis opens a client and waits for the server to answer, retrying
// with backoff while it starts up.
func ConnectRedis(ctx context.Context, addr, password string, db int, logger *logrus.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	strategy := wbfretry.Strategy{
		Attempts: 5,
		Delay:    1 * time.Second,
		Backoff:  2,
	}
	err := wbfretry.DoContext(pingCtx, strategy, func() error {
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.WithField("addr", addr).Info("Connected to Redis")
	return client, nil
}
