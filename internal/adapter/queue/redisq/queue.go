// Package redisq implements the durable priority job queue on Redis.
//
// Jobs wait in a sorted set ordered by (priority, enqueue time), are
// handed to workers through short-lived leases, and end up either in a
// trimmed completed tail or in the dead-letter store once their retry
// budget is exhausted.
package redisq

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/link-sentinel/internal/adapter/observability"
	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

const (
	keyWaiting     = "lsq:waiting"
	keyDelayed     = "lsq:delayed"
	keyJobs        = "lsq:jobs"
	keyScores      = "lsq:scores"
	keyLeases      = "lsq:leases"
	keyRequeue     = "lsq:requeue"
	keyRequeueJobs = "lsq:requeue_jobs"
	keyCompleted   = "lsq:completed"
	keyDead        = "lsq:dead"

	completedRetain = 100
	deadRetain      = 50

	// priorityShift packs (priority, enqueued_at ms) into one sorted
	// set score; both stay exact below 2^53.
	priorityShift = 1 << 42
)

// Config tunes retry and lease behaviour.
type Config struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	LeaseTimeout time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BackoffBase: 2 * time.Second, LeaseTimeout: 90 * time.Second}
}

// Queue is the Redis-backed implementation of domain.Queue.
type Queue struct {
	rdb redis.UniversalClient
	cfg Config
}

// New constructs a Queue. The client is shared; the queue does not
// close it.
func New(rdb redis.UniversalClient, cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 90 * time.Second
	}
	return &Queue{rdb: rdb, cfg: cfg}
}

func score(priority int, enqueuedAt time.Time) float64 {
	return float64(int64(priority)*priorityShift + enqueuedAt.UnixMilli())
}

// enqueueScript deduplicates on job id across the whole waiting set.
// An id currently leased is parked in the requeue set and re-enters
// the waiting set when its lease ends.
// KEYS: waiting, delayed, jobs, scores, leases, requeue, requeueJobs
// ARGV: jobID, payload, score
// Returns 1 when queued now, 2 when parked behind a lease, 0 on no-op.
var enqueueScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then return 0 end
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then return 0 end
if redis.call('HEXISTS', KEYS[5], ARGV[1]) == 1 then
  redis.call('SADD', KEYS[6], ARGV[1])
  redis.call('HSET', KEYS[7], ARGV[1], ARGV[2])
  return 2
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[1], tonumber(ARGV[3]), ARGV[1])
return 1
`)

// Enqueue implements domain.Queue.
func (q *Queue) Enqueue(ctx domain.Context, job domain.Job) error {
	if job.ID == "" || job.SourceURL == "" || job.ProjectID == "" {
		return fmt.Errorf("op=queue.enqueue: incomplete job: %w", domain.ErrInvalidArgument)
	}
	if job.Priority < domain.PriorityHighest || job.Priority > domain.PriorityLowest {
		return fmt.Errorf("op=queue.enqueue: priority %d out of range: %w", job.Priority, domain.ErrInvalidArgument)
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("op=queue.enqueue: marshal: %w", err)
	}
	sc := strconv.FormatFloat(score(job.Priority, job.EnqueuedAt), 'f', 0, 64)
	res, err := enqueueScript.Run(ctx, q.rdb,
		[]string{keyWaiting, keyDelayed, keyJobs, keyScores, keyLeases, keyRequeue, keyRequeueJobs},
		job.ID, string(payload), sc).Int()
	if err != nil {
		return fmt.Errorf("op=queue.enqueue: %w: %v", domain.ErrBackendUnavailable, err)
	}
	switch res {
	case 0:
		slog.Debug("duplicate job suppressed", slog.String("job_id", job.ID))
	case 2:
		slog.Debug("job parked behind in-flight lease", slog.String("job_id", job.ID))
	default:
		observability.JobsEnqueuedTotal.WithLabelValues(string(job.Kind)).Inc()
	}
	return nil
}

// leaseScript promotes due delayed jobs, then atomically pops the head
// of the waiting set and records the lease.
// KEYS: waiting, delayed, scores, leases, jobs
// ARGV: nowMs, workerID
// Returns the job payload or false.
var leaseScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local sc = redis.call('HGET', KEYS[3], id)
  if sc then redis.call('ZADD', KEYS[1], tonumber(sc), id) end
end
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then return false end
local id = head[1]
redis.call('ZREM', KEYS[1], id)
redis.call('HSET', KEYS[4], id, ARGV[2] .. '|' .. ARGV[1])
return redis.call('HGET', KEYS[5], id)
`)

// Lease implements domain.Queue. The boolean is false when the ready
// set is empty.
func (q *Queue) Lease(ctx domain.Context, workerID string) (domain.Job, bool, error) {
	now := time.Now().UTC()
	res, err := leaseScript.Run(ctx, q.rdb,
		[]string{keyWaiting, keyDelayed, keyScores, keyLeases, keyJobs},
		now.UnixMilli(), workerID).Result()
	if err == redis.Nil {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=queue.lease: %w: %v", domain.ErrBackendUnavailable, err)
	}
	raw, ok := res.(string)
	if !ok || raw == "" {
		return domain.Job{}, false, fmt.Errorf("op=queue.lease: missing envelope: %w", domain.ErrInternal)
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return domain.Job{}, false, fmt.Errorf("op=queue.lease: unmarshal: %w", err)
	}
	observability.JobsLeasedTotal.Inc()
	return job, true, nil
}

// settleScript removes the job from the leased/indexed structures and,
// when a duplicate submission arrived during the lease, re-admits it.
// KEYS: leases, jobs, scores, requeue, requeueJobs, waiting
// ARGV: jobID, honorRequeue(1|0)
// Returns 1 when a lease was dropped, 0 when it had already been reaped.
var settleScript = redis.NewScript(`
local had = redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
if ARGV[2] == '1' and redis.call('SREM', KEYS[4], ARGV[1]) == 1 then
  local payload = redis.call('HGET', KEYS[5], ARGV[1])
  redis.call('HDEL', KEYS[5], ARGV[1])
  if payload then
    local sc = redis.call('HGET', KEYS[3], ARGV[1])
    redis.call('HSET', KEYS[2], ARGV[1], payload)
    if sc then redis.call('ZADD', KEYS[6], tonumber(sc), ARGV[1]) end
  end
else
  redis.call('SREM', KEYS[4], ARGV[1])
  redis.call('HDEL', KEYS[5], ARGV[1])
  redis.call('HDEL', KEYS[3], ARGV[1])
end
return had
`)

// Complete implements domain.Queue. A lease that has already expired
// and been reaped is not an error.
func (q *Queue) Complete(ctx domain.Context, jobID string) error {
	job, _ := q.loadJob(ctx, jobID)
	had, err := settleScript.Run(ctx, q.rdb,
		[]string{keyLeases, keyJobs, keyScores, keyRequeue, keyRequeueJobs, keyWaiting},
		jobID, "1").Int()
	if err != nil {
		return fmt.Errorf("op=queue.complete: %w: %v", domain.ErrBackendUnavailable, err)
	}
	if had == 0 {
		slog.Debug("complete on reaped lease ignored", slog.String("job_id", jobID))
		return nil
	}
	pipe := q.rdb.Pipeline()
	pipe.LPush(ctx, keyCompleted, jobID)
	pipe.LTrim(ctx, keyCompleted, 0, completedRetain-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=queue.complete: %w: %v", domain.ErrBackendUnavailable, err)
	}
	observability.JobsCompletedTotal.WithLabelValues(string(job.Kind)).Inc()
	return nil
}

// retryScript returns a failed job to the delayed set with its updated
// envelope. A duplicate parked during the lease is dropped: the id is
// already back in the structure.
// KEYS: leases, jobs, delayed, requeue, requeueJobs
// ARGV: jobID, payload, readyAtMs
var retryScript = redis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[3], tonumber(ARGV[3]), ARGV[1])
redis.call('SREM', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
return 1
`)

// Fail implements domain.Queue: retry with exponential backoff while
// the attempt budget lasts, dead-letter afterwards.
func (q *Queue) Fail(ctx domain.Context, jobID string, reason string) (domain.FailOutcome, error) {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Attempts+1 < q.cfg.MaxAttempts {
		job.Attempts++
		delay := q.cfg.BackoffBase * time.Duration(1<<job.Attempts)
		payload, err := json.Marshal(job)
		if err != nil {
			return "", fmt.Errorf("op=queue.fail: marshal: %w", err)
		}
		readyAt := time.Now().UTC().Add(delay).UnixMilli()
		if _, err := retryScript.Run(ctx, q.rdb,
			[]string{keyLeases, keyJobs, keyDelayed, keyRequeue, keyRequeueJobs},
			jobID, string(payload), readyAt).Result(); err != nil {
			return "", fmt.Errorf("op=queue.fail: %w: %v", domain.ErrBackendUnavailable, err)
		}
		observability.JobsRetriedTotal.Inc()
		slog.Info("job scheduled for retry",
			slog.String("job_id", jobID),
			slog.Int("attempt", job.Attempts),
			slog.Duration("delay", delay),
			slog.String("reason", reason))
		return domain.OutcomeRetry, nil
	}

	dead := domain.DeadLetter{Job: job, Reason: reason, FailedAt: time.Now().UTC()}
	payload, err := json.Marshal(dead)
	if err != nil {
		return "", fmt.Errorf("op=queue.fail: marshal dead letter: %w", err)
	}
	if _, err := settleScript.Run(ctx, q.rdb,
		[]string{keyLeases, keyJobs, keyScores, keyRequeue, keyRequeueJobs, keyWaiting},
		jobID, "1").Result(); err != nil {
		return "", fmt.Errorf("op=queue.fail: %w: %v", domain.ErrBackendUnavailable, err)
	}
	pipe := q.rdb.Pipeline()
	pipe.LPush(ctx, keyDead, string(payload))
	pipe.LTrim(ctx, keyDead, 0, deadRetain-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("op=queue.fail: %w: %v", domain.ErrBackendUnavailable, err)
	}
	observability.JobsDeadLetteredTotal.Inc()
	slog.Warn("job dead-lettered",
		slog.String("job_id", jobID),
		slog.Int("attempts", job.Attempts),
		slog.String("reason", reason))
	return domain.OutcomeDeadLetter, nil
}

// reapScript returns one expired lease to the waiting set with its
// attempts unchanged (a stall is not a failure).
// KEYS: leases, scores, waiting
// ARGV: jobID
var reapScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then return 0 end
local sc = redis.call('HGET', KEYS[2], ARGV[1])
if sc then redis.call('ZADD', KEYS[3], tonumber(sc), ARGV[1]) end
return 1
`)

// Recover reaps leases older than the lease timeout and trims the
// completed and dead tails. Run at startup and periodically.
func (q *Queue) Recover(ctx domain.Context) (int, error) {
	leases, err := q.rdb.HGetAll(ctx, keyLeases).Result()
	if err != nil {
		return 0, fmt.Errorf("op=queue.recover: %w: %v", domain.ErrBackendUnavailable, err)
	}
	cutoff := time.Now().UTC().Add(-q.cfg.LeaseTimeout).UnixMilli()
	reaped := 0
	for jobID, lease := range leases {
		_, leasedAt, ok := parseLease(lease)
		if !ok || leasedAt > cutoff {
			continue
		}
		n, err := reapScript.Run(ctx, q.rdb, []string{keyLeases, keyScores, keyWaiting}, jobID).Int()
		if err != nil {
			return reaped, fmt.Errorf("op=queue.recover: %w: %v", domain.ErrBackendUnavailable, err)
		}
		if n == 1 {
			reaped++
			observability.LeasesReapedTotal.Inc()
			slog.Warn("expired lease reaped", slog.String("job_id", jobID))
		}
	}
	pipe := q.rdb.Pipeline()
	pipe.LTrim(ctx, keyCompleted, 0, completedRetain-1)
	pipe.LTrim(ctx, keyDead, 0, deadRetain-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return reaped, fmt.Errorf("op=queue.recover: %w: %v", domain.ErrBackendUnavailable, err)
	}
	return reaped, nil
}

// Stats implements domain.Queue.
func (q *Queue) Stats(ctx domain.Context) (domain.QueueStats, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, keyWaiting)
	delayed := pipe.ZCard(ctx, keyDelayed)
	leased := pipe.HLen(ctx, keyLeases)
	completed := pipe.LLen(ctx, keyCompleted)
	dead := pipe.LLen(ctx, keyDead)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.stats: %w: %v", domain.ErrBackendUnavailable, err)
	}
	return domain.QueueStats{
		Waiting:   int(waiting.Val()),
		Delayed:   int(delayed.Val()),
		Leased:    int(leased.Val()),
		Completed: int(completed.Val()),
		Dead:      int(dead.Val()),
	}, nil
}

// ListByProject returns every waiting, delayed, or leased job of a
// project. Introspection only; not ordered.
func (q *Queue) ListByProject(ctx domain.Context, projectID string) ([]domain.Job, error) {
	raw, err := q.rdb.HVals(ctx, keyJobs).Result()
	if err != nil {
		return nil, fmt.Errorf("op=queue.list_by_project: %w: %v", domain.ErrBackendUnavailable, err)
	}
	var jobs []domain.Job
	for _, v := range raw {
		var j domain.Job
		if err := json.Unmarshal([]byte(v), &j); err != nil {
			continue
		}
		if j.ProjectID == projectID {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

// ListDead returns the dead-letter tail, newest first.
func (q *Queue) ListDead(ctx domain.Context) ([]domain.DeadLetter, error) {
	raw, err := q.rdb.LRange(ctx, keyDead, 0, deadRetain-1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=queue.list_dead: %w: %v", domain.ErrBackendUnavailable, err)
	}
	letters := make([]domain.DeadLetter, 0, len(raw))
	for _, v := range raw {
		var d domain.DeadLetter
		if err := json.Unmarshal([]byte(v), &d); err != nil {
			continue
		}
		letters = append(letters, d)
	}
	return letters, nil
}

func (q *Queue) loadJob(ctx domain.Context, jobID string) (domain.Job, error) {
	raw, err := q.rdb.HGet(ctx, keyJobs, jobID).Result()
	if err == redis.Nil {
		return domain.Job{}, fmt.Errorf("op=queue.load: job %s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.load: %w: %v", domain.ErrBackendUnavailable, err)
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.load: unmarshal: %w", err)
	}
	return job, nil
}

func parseLease(v string) (workerID string, leasedAtMs int64, ok bool) {
	i := strings.LastIndexByte(v, '|')
	if i < 0 {
		return "", 0, false
	}
	ms, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return v[:i], ms, true
}
