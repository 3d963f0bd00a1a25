package cache

import (
	"context"
	"fmt"
	"time"

	"escrowpay/internal/config"
	"escrowpay/internal/logger"

	"github.com/go-redis/redis/v8"
)

var RedisClient *redis.Client

// InitRedis 分布式锁和放款延迟队列共用一个客户端
func InitRedis(cfg *config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Log.Fatalf("连接 Redis 失败: %v", err)
	}

	RedisClient = client
	logger.Log.Info("Redis 连接成功")
	return client
}
