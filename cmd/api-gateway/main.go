package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/musicschool-api/api/swagger"
	"github.com/noah-isme/musicschool-api/internal/handler"
	"github.com/noah-isme/musicschool-api/internal/middleware"
	"github.com/noah-isme/musicschool-api/internal/models"
	"github.com/noah-isme/musicschool-api/internal/repository"
	"github.com/noah-isme/musicschool-api/internal/service"
	"github.com/noah-isme/musicschool-api/pkg/cache"
	"github.com/noah-isme/musicschool-api/pkg/config"
	"github.com/noah-isme/musicschool-api/pkg/database"
	"github.com/noah-isme/musicschool-api/pkg/export"
	"github.com/noah-isme/musicschool-api/pkg/jobs"
	"github.com/noah-isme/musicschool-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/musicschool-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/musicschool-api/pkg/middleware/requestid"
	"github.com/noah-isme/musicschool-api/pkg/storage"
)

// @title Music School API
// @version 1.0.0
// @description Administration backend for a music school: students, courses, lessons, invoicing and ledger corrections
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
		logr.Sugar().Fatalw("failed to connect to database", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, settings cache disabled", zap.Error(err))
		redisClient = nil
	}
	if !cfg.Settings.CacheEnabled {
		redisClient = nil
	}

	store, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init export storage", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	instructorRepo := repository.NewInstructorRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	lessonRepo := repository.NewLessonRepository(db)
	pricingRepo := repository.NewPricingRepository(db)
	invoiceRepo := repository.NewInvoiceRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	settingsRepo := repository.NewSettingsRepository(db)

	metricsSvc := service.NewMetricsService()

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "musicschool-api",
	})
	settingsSvc := service.NewSettingsService(settingsRepo, redisClient, cfg.Settings.CacheTTL, validate, logr)
	pricingSvc := service.NewPricingService(pricingRepo, courseRepo, db, validate, logr)
	studentSvc := service.NewStudentService(studentRepo, validate, logr)
	instructorSvc := service.NewInstructorService(instructorRepo, validate, logr)
	courseSvc := service.NewCourseService(courseRepo, instructorRepo, validate, logr)
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, studentRepo, courseRepo, validate, logr)
	lessonSvc := service.NewLessonService(lessonRepo, enrollmentRepo, courseRepo, validate, logr)
	ledgerSvc := service.NewLedgerService(ledgerRepo, invoiceRepo, paymentRepo, studentRepo, validate, logr).WithMetrics(metricsSvc)
	invoiceSvc := service.NewInvoiceService(invoiceRepo, lessonRepo, enrollmentRepo, studentRepo, pricingSvc, ledgerSvc, settingsSvc, validate, logr).WithMetrics(metricsSvc)
	paymentSvc := service.NewPaymentService(paymentRepo, invoiceRepo, validate, logr)
	exportSvc := service.NewExportService(invoiceSvc, export.NewPDFExporter(), export.NewCSVExporter(), store, signer, logr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var batchQueue *jobs.Queue
	if cfg.Invoicing.BatchAsync {
		batchQueue = jobs.NewQueue("invoice-batch", func(jobCtx context.Context, job jobs.Job) error {
			req, ok := job.Payload.(service.GenerateBatchRequest)
			if !ok {
				return fmt.Errorf("unexpected payload type %T", job.Payload)
			}
			_, err := invoiceSvc.GenerateBatch(jobCtx, req)
			return err
		}, jobs.QueueConfig{Workers: cfg.Invoicing.BatchQueueWorkers, Logger: logr})
		batchQueue.Start(ctx)
		defer batchQueue.Stop()
	}

	if cfg.Invoicing.OverdueSweep {
		go runOverdueSweep(ctx, paymentSvc, cfg.Invoicing.SweepInterval, logr)
	}
	go runExportCleanup(ctx, store, cfg.Exports.RetentionTTL, logr)

	authHandler := handler.NewAuthHandler(authSvc)
	studentHandler := handler.NewStudentHandler(studentSvc)
	instructorHandler := handler.NewInstructorHandler(instructorSvc)
	courseHandler := handler.NewCourseHandler(courseSvc)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc)
	lessonHandler := handler.NewLessonHandler(lessonSvc)
	pricingHandler := handler.NewPricingHandler(pricingSvc)
	invoiceHandler := handler.NewInvoiceHandler(invoiceSvc, batchQueue)
	ledgerHandler := handler.NewLedgerHandler(ledgerSvc)
	paymentHandler := handler.NewPaymentHandler(paymentSvc)
	settingsHandler := handler.NewSettingsHandler(settingsSvc)
	exportHandler := handler.NewExportHandler(exportSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

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
	r.GET("/ready", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	prefix := cfg.APIPrefix
	if prefix == "" {
		prefix = "/api/v1"
	}
	api := r.Group(prefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
		auth.POST("/change-password", middleware.JWT(authSvc), authHandler.ChangePassword)
		auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	}

	protected := api.Group("")
	protected.Use(middleware.JWT(authSvc))

	staff := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleStaff)
	admin := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin)

	students := protected.Group("/students")
	{
		students.GET("", studentHandler.List)
		students.GET("/:id", studentHandler.Get)
		students.POST("", staff, studentHandler.Create)
		students.PUT("/:id", staff, studentHandler.Update)
		students.POST("/check-duplicates", staff, studentHandler.CheckDuplicates)
	}

	instructors := protected.Group("/instructors")
	{
		instructors.GET("", instructorHandler.List)
		instructors.GET("/:id", instructorHandler.Get)
		instructors.POST("", admin, instructorHandler.Create)
		instructors.PUT("/:id", admin, instructorHandler.Update)
	}

	courses := protected.Group("/courses")
	{
		courses.GET("", courseHandler.List)
		courses.GET("/:id", courseHandler.Get)
		courses.POST("", staff, courseHandler.Create)
		courses.PUT("/:id", staff, courseHandler.Update)
	}

	courseTypes := protected.Group("/course-types")
	{
		courseTypes.GET("", courseHandler.ListCourseTypes)
		courseTypes.POST("", admin, courseHandler.CreateCourseType)
		courseTypes.GET("/:id/pricing", pricingHandler.ListVersions)
		courseTypes.GET("/:id/pricing/resolve", pricingHandler.Resolve)
	}
	protected.GET("/instruments", courseHandler.ListInstruments)

	pricing := protected.Group("/pricing")
	{
		pricing.POST("", admin, middleware.Audit(userRepo, models.AuditActionPricingVersion, "pricing"), pricingHandler.CreateVersion)
		pricing.PUT("/:id", admin, pricingHandler.UpdateCurrent)
	}

	enrollments := protected.Group("/enrollments")
	{
		enrollments.GET("", enrollmentHandler.List)
		enrollments.GET("/:id", enrollmentHandler.Get)
		enrollments.POST("", staff, middleware.Audit(userRepo, models.AuditActionEnrollmentChange, "enrollments"), enrollmentHandler.Enroll)
		enrollments.POST("/:id/promote", staff, enrollmentHandler.Promote)
		enrollments.POST("/:id/withdraw", staff, enrollmentHandler.Withdraw)
		enrollments.PUT("/:id/billing", staff, enrollmentHandler.UpdateBilling)
	}

	lessons := protected.Group("/lessons")
	{
		lessons.GET("", lessonHandler.List)
		lessons.POST("", staff, lessonHandler.Create)
		lessons.POST("/generate", staff, lessonHandler.Generate)
		lessons.POST("/:id/complete", staff, lessonHandler.Complete)
		lessons.POST("/:id/cancel", staff, lessonHandler.Cancel)
	}

	invoices := protected.Group("/invoices")
	{
		invoices.GET("", invoiceHandler.List)
		invoices.GET("/:id", invoiceHandler.Get)
		invoices.POST("/generate", staff, middleware.Audit(userRepo, models.AuditActionInvoiceGenerate, "invoices"), invoiceHandler.Generate)
		invoices.POST("/generate-batch", staff, middleware.Audit(userRepo, models.AuditActionInvoiceBatch, "invoices"), invoiceHandler.GenerateBatch)
		invoices.POST("/:id/recalculate", staff, middleware.Audit(userRepo, models.AuditActionInvoiceRecalc, "invoices"), invoiceHandler.Recalculate)
		invoices.POST("/:id/send", staff, invoiceHandler.Send)
		invoices.POST("/:id/cancel", staff, invoiceHandler.Cancel)
		invoices.POST("/mark-overdue", staff, paymentHandler.MarkOverdue)
		invoices.GET("/:id/payments", paymentHandler.ListByInvoice)
		invoices.POST("/:id/export/pdf", exportHandler.InvoicePDF)
		invoices.POST("/export/csv", exportHandler.InvoicesCSV)
	}

	payments := protected.Group("/payments")
	{
		payments.POST("", staff, paymentHandler.Record)
		payments.DELETE("/:id", staff, paymentHandler.Delete)
	}

	ledger := protected.Group("/ledger")
	{
		ledger.GET("", ledgerHandler.List)
		ledger.GET("/:id", ledgerHandler.Get)
		ledger.POST("", staff, ledgerHandler.CreateEntry)
		ledger.POST("/applications/:id/decouple", staff, middleware.Audit(userRepo, models.AuditActionLedgerDecouple, "ledger"), ledgerHandler.DecoupleApplication)
	}

	settings := protected.Group("/settings")
	{
		settings.GET("", settingsHandler.List)
		settings.GET("/billing", settingsHandler.Billing)
		settings.GET("/:key", settingsHandler.Get)
		settings.PUT("", admin, middleware.Audit(userRepo, models.AuditActionSettingsChange, "settings"), settingsHandler.Update)
	}

	api.GET("/exports/download", exportHandler.Download)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

func runExportCleanup(ctx context.Context, store *storage.LocalStorage, retention time.Duration, logr *zap.Logger) {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.CleanupOlderThan(retention)
			if err != nil {
				logr.Warn("export cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logr.Info("expired export files removed", zap.Int("count", removed))
			}
		}
	}
}

func runOverdueSweep(ctx context.Context, payments *service.PaymentService, interval time.Duration, logr *zap.Logger) {
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := payments.MarkOverdue(ctx); err != nil {
				logr.Warn("overdue sweep failed", zap.Error(err))
			}
		}
	}
}
