package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/colony-core/internal/store/redisstore"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueEmpty  = errors.New("job queue empty")
)

const (
	DefaultTTL      = time.Hour
	DefaultQueueKey = "job_queue"
)

type Repo struct {
	rdb      *redis.Client
	ttl      time.Duration
	queueKey string
}

func NewRepo(store *redisstore.Store, ttl time.Duration, queueKey string) *Repo {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if queueKey == "" {
		queueKey = DefaultQueueKey
	}
	return &Repo{rdb: store.Client(), ttl: ttl, queueKey: queueKey}
}

func jobKey(id string) string { return "job:" + id }

// Enqueue writes the record with its TTL and pushes the id onto the pending list
// inside one MULTI/EXEC, so a pollable PENDING job always has a queue entry.
func (r *Repo) Enqueue(ctx context.Context, j *Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, jobKey(j.ID), b, r.ttl)
		p.LPush(ctx, r.queueKey, j.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", j.ID, err)
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := r.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}

// Save overwrites an existing record and keeps its remaining TTL.
// An expired record is not resurrected.
func (r *Repo) Save(ctx context.Context, j *Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	err = r.rdb.SetArgs(ctx, jobKey(j.ID), b, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotFound
	}
	return err
}

// PopPending blocks up to timeout for the oldest pending id.
func (r *Repo) PopPending(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := r.rdb.BRPop(ctx, timeout, r.queueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrQueueEmpty
		}
		return "", err
	}
	// [key, value]
	if len(res) != 2 {
		return "", fmt.Errorf("brpop: unexpected reply %v", res)
	}
	return res[1], nil
}

func (r *Repo) PendingLen(ctx context.Context) (int64, error) {
	return r.rdb.LLen(ctx, r.queueKey).Result()
}
