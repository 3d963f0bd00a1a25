package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"escrowpay/internal/config"
	"escrowpay/internal/gateway"
	"escrowpay/internal/handler"
	"escrowpay/internal/infrastructure/cache"
	"escrowpay/internal/infrastructure/database"
	"escrowpay/internal/infrastructure/delayqueue"
	"escrowpay/internal/infrastructure/mq"
	"escrowpay/internal/job"
	"escrowpay/internal/logger"
	"escrowpay/internal/service"
	"escrowpay/pkg/idgen"
)

type backgroundJob interface {
	Start(ctx context.Context)
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg := config.LoadConfig(*configPath)
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log := logger.Component("main")

	// 初始化 ID 生成器
	if err := idgen.Init(cfg.Business.WorkerID); err != nil {
		log.Fatalf("初始化 ID 生成器失败: %v", err)
	}

	db := database.InitMySQL(&cfg.MySQL)
	redisClient := cache.InitRedis(&cfg.Redis)

	producer := mq.InitKafka(&cfg.Kafka)
	defer producer.Close()

	svc, err := service.NewServices(db, redisClient, cfg)
	if err != nil {
		log.Fatalf("初始化业务服务失败: %v", err)
	}

	payfast, err := gateway.NewPayFast(cfg.Gateways.PayFast)
	if err != nil {
		log.Fatalf("初始化 PayFast 校验器失败: %v", err)
	}
	ozow, err := gateway.NewOzow(cfg.Gateways.Ozow, cfg.OzowFeeEstimator())
	if err != nil {
		log.Fatalf("初始化 Ozow 校验器失败: %v", err)
	}
	gateways := gateway.NewRegistry(payfast, ozow)

	queue := delayqueue.New(redisClient, delayqueue.Options{
		KeyPrefix:         cfg.Queue.KeyPrefix,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		BackoffBase:       cfg.Queue.BackoffBase,
		BackoffMax:        cfg.Queue.BackoffMax,
	})

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	jobs := []backgroundJob{
		job.NewOutboxSender(db, cfg, producer, queue),
		job.NewReleaseWorker(db, redisClient, queue, svc.Escrow, cfg),
		job.NewEscrowCompensateJob(svc.Escrow, queue, cfg),
		job.NewPayoutSweepJob(svc.Payouts, cfg),
	}
	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j backgroundJob) {
			defer wg.Done()
			j.Start(ctx)
		}(j)
	}

	h := handler.NewHandler(db, svc, gateways, queue)
	router := handler.SetupRouter(cfg, h)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("服务启动")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务...")

	// 先停止接收回调，再停后台任务
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("服务关闭异常")
	}

	cancel()
	wg.Wait()

	if err := redisClient.Close(); err != nil {
		log.WithError(err).Warn("关闭 Redis 连接失败")
	}
	log.Info("服务已关闭")
}
