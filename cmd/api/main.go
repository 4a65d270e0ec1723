package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "procurement/api/swagger" // swagger docs
	"procurement/internal/config"
	"procurement/internal/database"
	"procurement/internal/extractor"
	"procurement/internal/handler"
	"procurement/internal/lock"
	"procurement/internal/logger"
	"procurement/internal/metrics"
	"procurement/internal/middleware"
	"procurement/internal/purchaseorder"
	"procurement/internal/repository"
	"procurement/internal/service"
	"procurement/internal/storage"
	"procurement/internal/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// @title           Procurement Approval API
// @version         1.0
// @description     Purchase requests with two-level approval and purchase order generation.
// @host            localhost:8080
// @BasePath        /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	cfg, err := config.Load("configs/.env")
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := logger.New(cfg.LogLevel, cfg.IsRelease())
	gin.SetMode(cfg.GinMode)

	db, err := database.NewConnection(cfg.Database.DSN(), log)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	log.Info("connected to PostgreSQL")

	store, err := storage.NewStore(cfg.MediaRoot)
	if err != nil {
		log.WithError(err).Fatal("media storage unavailable")
	}

	locker, closeLocker := newLocker(cfg.Lock, log)
	defer closeLocker()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set up WebSocket Hub
	wsHub := websocket.NewHub(log)
	go wsHub.Run(ctx)

	secret := []byte(cfg.JWTSecret)
	m := metrics.New(prometheus.DefaultRegisterer)

	// Set up dependencies (Repository -> Service -> Handler)
	userRepo := repository.NewUserRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	requestRepo := repository.NewPurchaseRequestRepository(db)

	userService := service.NewUserService(userRepo, auditRepo, secret, 24*time.Hour)
	auditService := service.NewAuditService(auditRepo)
	requestService := service.NewPurchaseRequestService(service.PurchaseRequestDeps{
		Repo:      requestRepo,
		Audit:     auditRepo,
		TxManager: repository.NewTransactionManager(db),
		Locker:    locker,
		Store:     store,
		Extractor: extractor.New(extractor.FileReader{}, log),
		Generator: purchaseorder.NewGenerator(store, time.Now),
		Events:    wsHub,
		Metrics:   m,
		Log:       log,
	})

	// Initialize Handlers
	userHandler := handler.NewUserHandler(userService, log, cfg.IsRelease())
	auditHandler := handler.NewAuditHandler(auditService, log)
	requestHandler := handler.NewPurchaseRequestHandler(requestService, log, cfg.MaxUpload)

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(log))
	router.MaxMultipartMemory = cfg.MaxUpload

	// CORS configuration
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORSOrigins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept", "X-Request-ID"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	})
	router.GET("/ws", func(c *gin.Context) {
		websocket.ServeWs(wsHub, c, secret)
	})

	auth := middleware.RequireAuth(secret)
	userHandler.RegisterRoutes(router.Group(""), auth)
	requestHandler.RegisterRoutes(router.Group(""), auth)
	auditHandler.RegisterRoutes(router.Group(""), auth)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("port", cfg.Port).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

// newLocker uses Redis when REDIS_URL is set so that several API nodes share
// record locks; otherwise an in-process lock is enough.
func newLocker(opts config.LockOptions, log *logrus.Logger) (lock.Locker, func()) {
	if opts.RedisURL == "" {
		log.Info("using in-process record locks")
		return lock.NewLocal(), func() {}
	}

	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("invalid REDIS_URL")
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Fatal("redis unreachable")
	}
	log.WithField("addr", redisOpts.Addr).Info("using redis record locks")

	return lock.NewRedis(client, opts.TTL, opts.Timeout, log), func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Warn("closing redis client")
		}
	}
}
