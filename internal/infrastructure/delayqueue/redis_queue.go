// Package delayqueue 基于 Redis 的延迟任务队列。
//
// 存储结构：
//
//	<prefix>:schedule  ZSET  job id -> 到期时间（unix 毫秒）
//	<prefix>:jobs      HASH  job id -> Job JSON
//	<prefix>:dead      HASH  job id -> Job JSON（死信）
//
// 消费采用租约模式：Claim 把到期任务的分数推后 visibility 时长，
// worker 处理完成后 Ack 删除；worker 崩溃时租约到期，任务会被重新领取。
// 因此同一个任务可能被投递多次，处理方必须幂等。
package delayqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

var ErrJobNotFound = errors.New("delayqueue: job not found")

// Job 队列任务
type Job struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt int64           `json:"enqueued_at"`
}

type Options struct {
	KeyPrefix         string
	VisibilityTimeout time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

type Queue struct {
	client      *redis.Client
	opts        Options
	scheduleKey string
	jobsKey     string
	deadKey     string
	now         func() time.Time
}

// 已进入死信或已存在的任务不再入队
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[3], ARGV[1]) == 1 then
	return 0
end
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// 领取到期任务并续租；孤立的 id（无任务体）直接清理
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(ids) do
	local body = redis.call('HGET', KEYS[2], id)
	if body then
		redis.call('ZADD', KEYS[1], ARGV[2], id)
		table.insert(out, body)
	else
		redis.call('ZREM', KEYS[1], id)
	end
end
return out
`)

func New(client *redis.Client, opts Options) *Queue {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "delayqueue"
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 10 * time.Second
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	return &Queue{
		client:      client,
		opts:        opts,
		scheduleKey: opts.KeyPrefix + ":schedule",
		jobsKey:     opts.KeyPrefix + ":jobs",
		deadKey:     opts.KeyPrefix + ":dead",
		now:         time.Now,
	}
}

// WithClock 测试用
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue 幂等入队，返回 false 表示任务已存在或已进入死信
func (q *Queue) Enqueue(ctx context.Context, id string, payload []byte, deliverAt time.Time) (bool, error) {
	body, err := json.Marshal(Job{ID: id, Payload: payload, EnqueuedAt: q.now().UnixMilli()})
	if err != nil {
		return false, err
	}
	n, err := enqueueScript.Run(ctx, q.client,
		[]string{q.scheduleKey, q.jobsKey, q.deadKey},
		id, body, deliverAt.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("delayqueue: enqueue %s: %w", id, err)
	}
	return n == 1, nil
}

// Claim 领取最多 n 个到期任务
func (q *Queue) Claim(ctx context.Context, n int) ([]Job, error) {
	now := q.now()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.scheduleKey, q.jobsKey},
		now.UnixMilli(), now.Add(q.opts.VisibilityTimeout).UnixMilli(), n,
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("delayqueue: claim: %w", err)
	}

	jobs := make([]Job, 0, len(res))
	for _, body := range res {
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			return nil, fmt.Errorf("delayqueue: decode job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Ack 处理完成，删除任务
func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.scheduleKey, id)
		pipe.HDel(ctx, q.jobsKey, id)
		return nil
	})
	return err
}

// Nack 处理失败，按指数退避重新排期；超过最大次数转入死信，返回 true
func (q *Queue) Nack(ctx context.Context, job Job, cause error) (bool, error) {
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
	if job.Attempts >= q.opts.MaxAttempts {
		return true, q.DeadLetter(ctx, job)
	}

	body, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	retryAt := q.now().Add(q.Backoff(job.Attempts))
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobsKey, job.ID, body)
		pipe.ZAdd(ctx, q.scheduleKey, &redis.Z{Score: float64(retryAt.UnixMilli()), Member: job.ID})
		return nil
	})
	return false, err
}

// Backoff 第 attempt 次失败后的等待时长：base * 2^(attempt-1)，不超过 max
func (q *Queue) Backoff(attempt int) time.Duration {
	d := q.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.opts.BackoffMax {
			return q.opts.BackoffMax
		}
	}
	return d
}

// DeadLetter 移入死信，等待人工处理
func (q *Queue) DeadLetter(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.deadKey, job.ID, body)
		pipe.ZRem(ctx, q.scheduleKey, job.ID)
		pipe.HDel(ctx, q.jobsKey, job.ID)
		return nil
	})
	return err
}

// DeadLetters 列出全部死信，按 id 排序
func (q *Queue) DeadLetters(ctx context.Context) ([]Job, error) {
	all, err := q.client.HGetAll(ctx, q.deadKey).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(all))
	for _, body := range all {
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			return nil, fmt.Errorf("delayqueue: decode dead letter: %w", err)
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

// Requeue 把死信重新放回队列，重试次数清零
func (q *Queue) Requeue(ctx context.Context, id string, deliverAt time.Time) error {
	body, err := q.client.HGet(ctx, q.deadKey, id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrJobNotFound
		}
		return err
	}
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return fmt.Errorf("delayqueue: decode dead letter: %w", err)
	}
	job.Attempts = 0
	job.LastError = ""
	fresh, err := json.Marshal(job)
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.deadKey, id)
		pipe.HSet(ctx, q.jobsKey, id, fresh)
		pipe.ZAdd(ctx, q.scheduleKey, &redis.Z{Score: float64(deliverAt.UnixMilli()), Member: id})
		return nil
	})
	return err
}

// ScheduledAt 任务当前的到期时间
func (q *Queue) ScheduledAt(ctx context.Context, id string) (time.Time, bool, error) {
	score, err := q.client.ZScore(ctx, q.scheduleKey, id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)), true, nil
}
