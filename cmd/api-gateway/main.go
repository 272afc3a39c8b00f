package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/academy-enroll-api/api/swagger"
	"github.com/noah-isme/academy-enroll-api/internal/handler"
	"github.com/noah-isme/academy-enroll-api/internal/middleware"
	"github.com/noah-isme/academy-enroll-api/internal/models"
	"github.com/noah-isme/academy-enroll-api/internal/repository"
	"github.com/noah-isme/academy-enroll-api/internal/service"
	"github.com/noah-isme/academy-enroll-api/pkg/cache"
	"github.com/noah-isme/academy-enroll-api/pkg/config"
	"github.com/noah-isme/academy-enroll-api/pkg/database"
	"github.com/noah-isme/academy-enroll-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/academy-enroll-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/academy-enroll-api/pkg/middleware/requestid"
)

// @title Academy Enroll API
// @version 1.0.0
// @description Enrollment, waiting list and group petition service
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		logr.Sugar().Fatalw("failed to run migrations", "error", err)
	}

	var cacheRepo service.CacheRepository
	if cfg.Cache.Enabled {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Fatalw("failed to connect to redis", "error", err)
		}
		defer redisClient.Close()
		cacheRepo = repository.NewCacheRepository(redisClient, logr)
	}

	userRepo := repository.NewUserRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	subjectRepo := repository.NewSubjectRepository(db)
	groupRepo := repository.NewGroupRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	requestRepo := repository.NewGroupRequestRepository(db)

	metricsSvc := service.NewMetricsService()
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Cache.DefaultTTL, logr, cfg.Cache.Enabled)
	authSvc := service.NewAuthService(userRepo, cfg.JWT, nil, logr)
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, studentRepo, groupRepo, cacheSvc, metricsSvc, cfg.Enrollment.ApprovalTTL, nil, logr)
	requestSvc := service.NewGroupRequestService(requestRepo, studentRepo, subjectRepo, cfg.GroupRequests.MinSupporters, cfg.GroupRequests.DefaultTTL, nil, logr)
	groupSvc := service.NewGroupService(groupRepo, enrollmentRepo, cacheSvc, logr)
	sweeperSvc := service.NewSweeperService(enrollmentSvc, requestSvc, metricsSvc, cfg.Enrollment, logr)

	authHandler := handler.NewAuthHandler(authSvc)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc)
	groupHandler := handler.NewGroupHandler(groupSvc, enrollmentSvc)
	requestHandler := handler.NewGroupRequestHandler(requestSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, db)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.POST("/auth/login", authHandler.Login)

	authed := api.Group("")
	authed.Use(middleware.JWT(authSvc))

	staff := middleware.RequireRoles(models.RoleAdmin, models.RoleTeacher)
	admin := middleware.RequireRoles(models.RoleAdmin)

	groups := authed.Group("/groups")
	{
		groups.GET("", groupHandler.List)
		groups.GET("/:id", groupHandler.Get)
		groups.GET("/:id/waiting-list", groupHandler.WaitingList)
		if cfg.Exports.Enabled {
			groups.GET("/:id/roster/export", staff, groupHandler.ExportRoster)
		}
	}

	enrollments := authed.Group("/enrollments")
	{
		enrollments.GET("", enrollmentHandler.List)
		enrollments.GET("/:id", enrollmentHandler.Get)
		enrollments.GET("/:id/waiting-position", enrollmentHandler.WaitingPosition)
		enrollments.POST("", middleware.Audit(userRepo, models.AuditActionEnroll, "enrollment"), enrollmentHandler.Create)
		enrollments.POST("/:id/approve", staff, middleware.Audit(userRepo, models.AuditActionEnrollApprove, "enrollment"), enrollmentHandler.Approve)
		enrollments.POST("/:id/reject", staff, middleware.Audit(userRepo, models.AuditActionEnrollReject, "enrollment"), enrollmentHandler.Reject)
		enrollments.POST("/:id/withdraw", middleware.Audit(userRepo, models.AuditActionEnrollWithdraw, "enrollment"), enrollmentHandler.Withdraw)
		enrollments.POST("/:id/complete", staff, middleware.Audit(userRepo, models.AuditActionEnrollComplete, "enrollment"), enrollmentHandler.Complete)
		enrollments.POST("/:id/change-group", middleware.Audit(userRepo, models.AuditActionChangeGroup, "enrollment"), enrollmentHandler.ChangeGroup)
	}

	requests := authed.Group("/group-requests")
	{
		requests.GET("", requestHandler.List)
		requests.GET("/:id", requestHandler.Get)
		requests.GET("/:id/supporters", requestHandler.Supporters)
		requests.POST("", middleware.Audit(userRepo, models.AuditActionGroupRequest, "group_request"), requestHandler.Create)
		requests.POST("/:id/supporters", middleware.Audit(userRepo, models.AuditActionSupporterAdd, "group_request"), requestHandler.AddSupporter)
		requests.DELETE("/:id/supporters/:studentId", middleware.RequireStudentSelf("studentId"), middleware.Audit(userRepo, models.AuditActionSupporterRemove, "group_request"), requestHandler.RemoveSupporter)
		requests.POST("/:id/approve", admin, middleware.Audit(userRepo, models.AuditActionRequestApprove, "group_request"), requestHandler.Approve)
		requests.POST("/:id/reject", admin, middleware.Audit(userRepo, models.AuditActionRequestReject, "group_request"), requestHandler.Reject)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeperSvc.Start(ctx)
	defer sweeperSvc.Stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
