package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"verifyd/pkg/domain"
	"verifyd/pkg/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Jobs are stored as hashes: "data" holds the JSON snapshot taken at enqueue,
// the remaining fields hold mutable lease state so scripts never rewrite JSON.
// Waiting lists are sorted sets per priority scored by availability (ms);
// the active set is scored by lease expiry.

var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
for i = 1, 3 do
  local ids = redis.call("ZRANGEBYSCORE", KEYS[i], "-inf", now, "LIMIT", 0, 1)
  if #ids > 0 then
    local id = ids[1]
    redis.call("ZREM", KEYS[i], id)
    local key = ARGV[4] .. id
    local lease_until = now + tonumber(ARGV[2])
    redis.call("HSET", key, "state", "active", "token", ARGV[3], "lease_until", lease_until)
    redis.call("HINCRBY", key, "attempts", 1)
    redis.call("ZADD", KEYS[4], lease_until, id)
    return id
  end
end
return false
`)

var renewScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HGET", KEYS[1], "state") ~= "active" or redis.call("HGET", KEYS[1], "token") ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "lease_until", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HGET", KEYS[1], "state") ~= "active" or redis.call("HGET", KEYS[1], "token") ~= ARGV[1] then
  return 0
end
redis.call("ZREM", KEYS[2], ARGV[2])
redis.call("HSET", KEYS[1], "state", ARGV[3], "token", "", "lease_until", 0, "last_error", ARGV[5])
if ARGV[3] == "waiting" then
  redis.call("HSET", KEYS[1], "available_at", ARGV[4], "finished_at", 0)
else
  redis.call("HSET", KEYS[1], "finished_at", ARGV[4])
end
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[2])
return 1
`)

var stallScript = redis.NewScript(`
local lease_until = tonumber(redis.call("HGET", KEYS[1], "lease_until") or "0")
if redis.call("HGET", KEYS[1], "state") ~= "active" or lease_until > tonumber(ARGV[2]) then
  return 0
end
redis.call("ZREM", KEYS[2], ARGV[1])
local stalls = redis.call("HINCRBY", KEYS[1], "stall_count", 1)
redis.call("HSET", KEYS[1], "token", "", "lease_until", 0)
if stalls > tonumber(ARGV[3]) then
  redis.call("HSET", KEYS[1], "state", "failed", "finished_at", ARGV[2], "last_error", ARGV[4])
  redis.call("ZADD", KEYS[4], ARGV[2], ARGV[1])
  return 2
end
redis.call("HINCRBY", KEYS[1], "attempts", -1)
redis.call("HSET", KEYS[1], "state", "waiting", "available_at", ARGV[2])
redis.call("ZADD", KEYS[3], ARGV[2], ARGV[1])
return 1
`)

// RedisStore is the durable Store backed by Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore keeps every key of one queue under the hash tag {name}, so the
// scripts, which derive job keys from ARGV, stay in a single Redis Cluster slot.
func NewRedisStore(client redis.UniversalClient, name string) *RedisStore {
	if name == "" {
		name = "verifyd"
	}
	return &RedisStore{client: client, prefix: "queue:{" + name + "}"}
}

func (s *RedisStore) jobKeyPrefix() string { return s.prefix + ":job:" }
func (s *RedisStore) jobKey(id string) string { return s.jobKeyPrefix() + id }
func (s *RedisStore) activeKey() string       { return s.prefix + ":active" }
func (s *RedisStore) completedKey() string    { return s.prefix + ":completed" }
func (s *RedisStore) failedKey() string       { return s.prefix + ":failed" }

func (s *RedisStore) waitingKey(p domain.JobPriority) string {
	return fmt.Sprintf("%s:waiting:%d", s.prefix, int(p))
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (s *RedisStore) Add(ctx context.Context, job *domain.QueuedJob) error {
	snapshot := job.Clone()
	snapshot.State = domain.JobStateWaiting
	data, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}

	avail := toMillis(job.AvailableAt)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.jobKey(job.ID), map[string]interface{}{
		"data":         data,
		"state":        string(domain.JobStateWaiting),
		"attempts":     job.Attempts,
		"priority":     int(job.Priority),
		"token":        "",
		"lease_until":  0,
		"stall_count":  job.StallCount,
		"last_error":   "",
		"available_at": avail,
		"finished_at":  0,
	})
	pipe.ZAdd(ctx, s.waitingKey(job.Priority), redis.Z{Score: float64(avail), Member: job.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Claim(ctx context.Context, now time.Time, lease time.Duration) (*domain.QueuedJob, error) {
	keys := make([]string, 0, len(domain.Priorities)+1)
	for _, p := range domain.Priorities {
		keys = append(keys, s.waitingKey(p))
	}
	keys = append(keys, s.activeKey())

	id, err := claimScript.Run(ctx, s.client, keys,
		toMillis(now), lease.Milliseconds(), uuid.NewString(), s.jobKeyPrefix(),
	).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim job")
	}
	return s.Get(ctx, id)
}

func scriptOutcome(n int64) error {
	switch n {
	case 1, 2:
		return nil
	case -1:
		return errors.ErrJobNotFound
	default:
		return errors.ErrLeaseLost
	}
}

func (s *RedisStore) Renew(ctx context.Context, job *domain.QueuedJob, until time.Time) error {
	n, err := renewScript.Run(ctx, s.client, []string{s.jobKey(job.ID), s.activeKey()},
		job.LeaseToken, toMillis(until), job.ID,
	).Int64()
	if err != nil {
		return errors.Wrap(err, "renew lease")
	}
	return scriptOutcome(n)
}

func (s *RedisStore) release(ctx context.Context, job *domain.QueuedJob, state domain.JobState, dest string, at time.Time, lastErr string) error {
	n, err := releaseScript.Run(ctx, s.client, []string{s.jobKey(job.ID), s.activeKey(), dest},
		job.LeaseToken, job.ID, string(state), toMillis(at), lastErr,
	).Int64()
	if err != nil {
		return errors.Wrap(err, "release job")
	}
	return scriptOutcome(n)
}

func (s *RedisStore) Complete(ctx context.Context, job *domain.QueuedJob, now time.Time) error {
	return s.release(ctx, job, domain.JobStateCompleted, s.completedKey(), now, "")
}

func (s *RedisStore) Retry(ctx context.Context, job *domain.QueuedJob, availableAt time.Time, lastErr string) error {
	return s.release(ctx, job, domain.JobStateWaiting, s.waitingKey(job.Priority), availableAt, lastErr)
}

func (s *RedisStore) Fail(ctx context.Context, job *domain.QueuedJob, now time.Time, lastErr string) error {
	return s.release(ctx, job, domain.JobStateFailed, s.failedKey(), now, lastErr)
}

func (s *RedisStore) RecoverStalled(ctx context.Context, now time.Time, maxStalls int) ([]*domain.QueuedJob, []*domain.QueuedJob, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.activeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(toMillis(now), 10),
	}).Result()
	if err != nil {
		return nil, nil, errors.Wrap(err, "list stalled jobs")
	}

	var requeued, failed []*domain.QueuedJob
	for _, id := range ids {
		prio, err := s.client.HGet(ctx, s.jobKey(id), "priority").Int()
		if err == redis.Nil {
			s.client.ZRem(ctx, s.activeKey(), id)
			continue
		}
		if err != nil {
			return requeued, failed, err
		}

		keys := []string{s.jobKey(id), s.activeKey(), s.waitingKey(domain.JobPriority(prio)), s.failedKey()}
		n, err := stallScript.Run(ctx, s.client, keys, id, toMillis(now), maxStalls, stalledMessage).Int64()
		if err != nil {
			return requeued, failed, errors.Wrap(err, "recover stalled job")
		}
		if n == 0 {
			continue
		}
		job, err := s.Get(ctx, id)
		if err != nil {
			return requeued, failed, err
		}
		if n == 2 {
			failed = append(failed, job)
		} else {
			requeued = append(requeued, job)
		}
	}
	return requeued, failed, nil
}

func (s *RedisStore) Purge(ctx context.Context, now time.Time, policy RetentionPolicy) (int, error) {
	a, err := s.purgeSet(ctx, s.completedKey(), now, policy.CompletedMaxAge, policy.CompletedMaxCount)
	if err != nil {
		return a, err
	}
	b, err := s.purgeSet(ctx, s.failedKey(), now, policy.FailedMaxAge, policy.FailedMaxCount)
	return a + b, err
}

func (s *RedisStore) purgeSet(ctx context.Context, key string, now time.Time, maxAge time.Duration, maxCount int) (int, error) {
	removed := 0
	if maxAge > 0 {
		ids, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(toMillis(now.Add(-maxAge)), 10),
		}).Result()
		if err != nil {
			return 0, err
		}
		if err := s.remove(ctx, key, ids); err != nil {
			return 0, err
		}
		removed += len(ids)
	}

	if maxCount > 0 {
		card, err := s.client.ZCard(ctx, key).Result()
		if err != nil {
			return removed, err
		}
		if excess := card - int64(maxCount); excess > 0 {
			ids, err := s.client.ZRange(ctx, key, 0, excess-1).Result()
			if err != nil {
				return removed, err
			}
			if err := s.remove(ctx, key, ids); err != nil {
				return removed, err
			}
			removed += len(ids)
		}
	}
	return removed, nil
}

func (s *RedisStore) remove(ctx context.Context, setKey string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	members := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		pipe.Del(ctx, s.jobKey(id))
		members = append(members, id)
	}
	pipe.ZRem(ctx, setKey, members...)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.QueuedJob, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, errors.ErrJobNotFound
	}
	return decodeJob(fields)
}

func decodeJob(fields map[string]string) (*domain.QueuedJob, error) {
	var job domain.QueuedJob
	if err := json.Unmarshal([]byte(fields["data"]), &job); err != nil {
		return nil, errors.Wrap(err, "decode job")
	}

	num := func(name string) int64 {
		n, _ := strconv.ParseInt(fields[name], 10, 64)
		return n
	}

	job.State = domain.JobState(fields["state"])
	job.Attempts = int(num("attempts"))
	job.StallCount = int(num("stall_count"))
	job.LeaseToken = fields["token"]
	job.LastError = fields["last_error"]
	job.LeaseExpiresAt = nil
	job.FinishedAt = nil

	if ms := num("available_at"); ms > 0 {
		job.AvailableAt = fromMillis(ms)
	}
	if ms := num("lease_until"); ms > 0 && job.State == domain.JobStateActive {
		t := fromMillis(ms)
		job.LeaseExpiresAt = &t
	}
	if ms := num("finished_at"); ms > 0 && (job.State == domain.JobStateCompleted || job.State == domain.JobStateFailed) {
		t := fromMillis(ms)
		job.FinishedAt = &t
	}
	return &job, nil
}

func (s *RedisStore) Counts(ctx context.Context) (map[domain.JobState]int, error) {
	pipe := s.client.Pipeline()
	waiting := make([]*redis.IntCmd, 0, len(domain.Priorities))
	for _, p := range domain.Priorities {
		waiting = append(waiting, pipe.ZCard(ctx, s.waitingKey(p)))
	}
	active := pipe.ZCard(ctx, s.activeKey())
	completed := pipe.ZCard(ctx, s.completedKey())
	failed := pipe.ZCard(ctx, s.failedKey())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	total := 0
	for _, c := range waiting {
		total += int(c.Val())
	}
	return map[domain.JobState]int{
		domain.JobStateWaiting:   total,
		domain.JobStateActive:    int(active.Val()),
		domain.JobStateCompleted: int(completed.Val()),
		domain.JobStateFailed:    int(failed.Val()),
	}, nil
}
