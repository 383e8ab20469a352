package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/GhostRoom/config"
	"github.com/Gopher0727/GhostRoom/internal/consumer"
	"github.com/Gopher0727/GhostRoom/internal/handlers"
	"github.com/Gopher0727/GhostRoom/internal/middlewares"
	"github.com/Gopher0727/GhostRoom/internal/realtime"
	"github.com/Gopher0727/GhostRoom/internal/repositories"
	"github.com/Gopher0727/GhostRoom/internal/routers"
	"github.com/Gopher0727/GhostRoom/internal/services"
	"github.com/Gopher0727/GhostRoom/internal/storage"
	"github.com/Gopher0727/GhostRoom/internal/utils"
	logger "github.com/Gopher0727/GhostRoom/middleware/log"
	"github.com/Gopher0727/GhostRoom/pkg/mq"
	"github.com/Gopher0727/GhostRoom/utils/ratelimit"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "./config.toml", "path to the TOML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("配置初始化失败: %v", err)
	}

	lg, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	zl := lg.Logger.With(zap.String("node", cfg.Server.NodeID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化 PostgreSQL
	db, err := storage.InitPostgres(&cfg.Postgres, zl)
	if err != nil {
		zl.Fatal("postgres 初始化失败", zap.Error(err))
	}

	// 初始化 Redis
	rdb, err := storage.InitRedis(ctx, &cfg.Redis)
	if err != nil {
		zl.Fatal("redis 初始化失败", zap.Error(err))
	}

	// 仓储层与服务层
	groupRepo := repositories.NewGroupRepository(db)
	membershipService := services.NewMembershipService(groupRepo, services.NewRedisSessionSet(rdb), lg)
	groupService := services.NewGroupService(groupRepo, membershipService, cfg.Lifecycle, lg)

	// 协程池 (HTTP 处理链与离线 leave 共用)
	pool := utils.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, zl)
	pool.Start()

	// 限流器在 redis 不可用时放行
	limiter := ratelimit.NewWindowLimiter(rdb, zl, true)
	mw := middlewares.NewMiddlewareManager(limiter, lg)

	// Kafka 离线 leave 队列。未启用或连接失败时以降级模式运行（直接调用服务）
	var (
		producer  *mq.LeaveProducer
		group     sarama.ConsumerGroup
		publisher realtime.Publisher
	)
	if cfg.Kafka.Enabled {
		producer, err = mq.NewLeaveProducer(&cfg.Kafka, zl)
		if err != nil {
			zl.Warn("Kafka 生产者初始化失败，系统将以降级模式运行", zap.Error(err))
		} else {
			publisher = producer
			group, err = consumer.StartConsumer(ctx, &cfg.Kafka, consumer.NewLeaveConsumer(membershipService, zl), zl)
			if err != nil {
				zl.Warn("Kafka 消费者初始化失败，排队的 leave 将由其他节点消费", zap.Error(err))
			}
		}
	}
	leaves := realtime.NewQueuedLeaves(publisher, membershipService, pool, zl)

	// 实时网关
	hub := realtime.NewHub(rdb, cfg.Realtime, cfg.Server.NodeID, leaves, zl)
	if err := hub.Start(ctx); err != nil {
		zl.Fatal("realtime 网关启动失败", zap.Error(err))
	}

	groupHandler := handlers.NewGroupHandler(groupService, membershipService, lg)

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	routers.SetupRoutes(r, cfg, mw, groupHandler, hub, pool)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zl.Info("正在启动服务器", zap.String("addr", srv.Addr), zap.String("public_url", cfg.Server.PublicURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("启动服务器失败", zap.Error(err))
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"ghostroom": func(shutdownCtx context.Context) error {
				zl.Info("graceful shutdown initiated")
				err := srv.Shutdown(shutdownCtx)
				// 网关连接断开时会排队 leave，先关网关再停协程池
				err = errors.Join(err, hub.Close())
				pool.Stop()
				cancel()
				if group != nil {
					err = errors.Join(err, group.Close())
				}
				if producer != nil {
					err = errors.Join(err, producer.Close())
				}
				return errors.Join(err, rdb.Close())
			},
		},
	)

	exitCode := <-wait
	zl.Info("server exited", zap.Int("code", exitCode))
	_ = lg.Close()
	os.Exit(exitCode)
}
