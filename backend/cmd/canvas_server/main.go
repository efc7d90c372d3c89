package main

import (
	"fmt"
	"log"
	"time"

	"context"
	"database/sql"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"canvasServer/backend/internal/cache"
	"canvasServer/backend/internal/canvas"
	"canvasServer/backend/internal/httpapi/handlers"
	"canvasServer/backend/internal/httpapi/middleware"
	"canvasServer/backend/internal/statestore"
	"canvasServer/backend/internal/store"
	"canvasServer/backend/internal/ws"
)

type CanvasConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"Auth"`
	Sync struct {
		// 毫秒。结算窗口要压过 持久写p95往返+通知回渲染+余量
		LockTTLMs            int `mapstructure:"lockTTLMs"`
		SettleWindowMs       int `mapstructure:"settleWindowMs"`
		BroadcastIntervalMs  int `mapstructure:"broadcastIntervalMs"`
		CheckpointIntervalMs int `mapstructure:"checkpointIntervalMs"`
		HistoryCapacity      int `mapstructure:"historyCapacity"`
	} `mapstructure:"Sync"`
}

func initConfig() (*CanvasConfig, error) {
	cfg := &CanvasConfig{}
	v := viper.New()
	v.SetConfigName("canvasConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	rdb := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	dsn := cfg.Mysql.DSN

	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	gormDB, err := store.InitMySQL(dsn)
	if err != nil {
		log.Fatalf("Failed to init gorm: %v", err)
	}

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	presenceCache := cache.NewRedisPresence(rdb)
	hub := ws.NewHub(presenceCache)
	stateStore := statestore.NewRedisStore(rdb)
	canvasStore := store.NewCanvasStore(db)
	snapshotStore := store.NewSnapshotStore(db)
	canvasRepo := store.NewGormCanvasRepo(gormDB)

	kafkaSem := canvas.NewSemaphoreControl()
	wsSem := canvas.NewSemaphoreControl()

	// Kafka 本地队列 + worker 重试发送
	dispatcher := canvas.NewEventDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		canvas.EventDispatcherOptions{
			//  Go 允许在数字里用下划线做分隔符，方便阅读
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)

	svc := canvas.NewSessionService(stateStore, canvasStore, snapshotStore, dispatcher, canvas.Config{
		LockTTL:            time.Duration(cfg.Sync.LockTTLMs) * time.Millisecond,
		SettleWindow:       time.Duration(cfg.Sync.SettleWindowMs) * time.Millisecond,
		BroadcastInterval:  time.Duration(cfg.Sync.BroadcastIntervalMs) * time.Millisecond,
		CheckpointInterval: time.Duration(cfg.Sync.CheckpointIntervalMs) * time.Millisecond,
		HistoryCapacity:    cfg.Sync.HistoryCapacity,
	})
	manager := ws.NewManager(hub, svc, stateStore, wsSem)
	canvasHandler := handlers.NewCanvasHandler(canvasRepo)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// 路由
	canvasGroup := r.Group("/canvas")
	// 鉴权中间件（会从 Authorization 或 ?token= 提取 token，调用 /v1/auth/verify，并写入 userId/username）
	canvasGroup.Use(middleware.AuthMiddleware(cfg.Auth.Path))
	canvasGroup.GET("/ws", manager.WebSocketConnect)
	canvasGroup.GET("/list", canvasHandler.ListCanvases)
	canvasGroup.GET("/:canvasID", canvasHandler.GetCanvas)
	r.GET("/canvas/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "ok",
		})
	})

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
