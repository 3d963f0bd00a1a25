package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 加锁：SET key value NX EX timeout
// 释放：Lua 脚本比较 value 后再删除，避免误删别人的锁
//
// 锁只用来减少并发冲突，资金正确性仍然依赖数据库的条件更新（CAS）。
// 锁过期后两个持有者同时执行时，后到的一方会在 CAS 上失败。
//
// ============================================================================

var ErrLockFailed = errors.New("获取分布式锁失败")

const unlockScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 持有者标识
	expiration time.Duration // 过期时间
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	if value == "" {
		value = uuid.NewString()
	}
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

func (l *DistributedLock) Key() string { return l.key }

// TryLock 非阻塞获取锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 只释放自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Err()
}

// NewHoldLock 按托管记录加锁，放款任务重复投递时只有一个 worker 处理
func NewHoldLock(client *redis.Client, holdID int64) *DistributedLock {
	return NewDistributedLock(client, fmt.Sprintf("escrow:lock:hold:%d", holdID), "", 30*time.Second)
}

// NewOrderLock 按订单加锁，串行化同一订单的人工退款/确认收货
func NewOrderLock(client *redis.Client, orderID int64) *DistributedLock {
	return NewDistributedLock(client, fmt.Sprintf("escrow:lock:order:%d", orderID), "", 30*time.Second)
}
