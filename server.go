package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/crm_backend/config"
	"bitbucket.org/mmdatafocus/crm_backend/middlewares"
	"bitbucket.org/mmdatafocus/crm_backend/models"
	"bitbucket.org/mmdatafocus/crm_backend/utils"
	"bitbucket.org/mmdatafocus/crm_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("crm-reconcile")

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token, err := models.Login(c.Request.Context(), req.Email, req.Password, c.ClientIP(), c.Request.UserAgent())
		if err != nil {
			if errors.Is(err, models.ErrInvalidCredentials) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	}
}

type restoreRequest struct {
	Table    models.MergeTable `json:"table" binding:"required"`
	RecordId int               `json:"record_id" binding:"required"`
}

// restoreHandler clears the merge fields of a record the caller owns.
// The table name is parsed into the closed MergeTable enum before any
// storage access; arbitrary identifiers never reach the database.
func restoreHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req restoreRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		count, err := models.RestoreMergedRecord(c.Request.Context(), req.Table, req.RecordId)
		if err != nil {
			config.LogError(logger, "server.go", "restoreHandler", "RestoreMergedRecord", req, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "restore failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"restored_count": count})
	}
}

type mergeRequest struct {
	Table    models.MergeTable `json:"table" binding:"required"`
	RecordId int               `json:"record_id" binding:"required"`
	IntoId   int               `json:"into_id" binding:"required"`
}

func mergeHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req mergeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := models.MergeRecord(c.Request.Context(), req.Table, req.RecordId, req.IntoId)
		if err != nil {
			switch {
			case errors.Is(err, models.ErrMergeIntoSelf), errors.Is(err, models.ErrMergeIntoMerged):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, utils.ErrorRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			default:
				config.LogError(logger, "server.go", "mergeHandler", "MergeRecord", req, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "merge failed"})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"merged": true})
	}
}

type reconcileRunRequest struct {
	DryRun *bool `json:"dry_run"`
}

// reconcileRunHandler triggers the shared-deal repair batch out of the
// interactive path. Admin only.
func reconcileRunHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reconcileRunRequest
		// An empty body is fine; dry-run falls back to the env default.
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		dryRun := config.ReconcileDryRunDefault()
		if req.DryRun != nil {
			dryRun = *req.DryRun
		}

		ctx, span := tracer.Start(c.Request.Context(), "reconcile.repair_shared_deals")
		defer span.End()

		// Tie the whole batch together for logs and traces. Advisory only:
		// each candidate still commits in its own storage transaction.
		ctx, txnId, err := workflow.BeginLogicalTransaction(ctx)
		if err != nil {
			config.LogError(logger, "server.go", "reconcileRunHandler", "BeginLogicalTransaction", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
			return
		}

		summary, err := workflow.RepairSharedDeals(ctx, logger, dryRun)
		if err != nil {
			if _, rbErr := workflow.RollbackLogicalTransaction(ctx); rbErr != nil {
				config.LogError(logger, "server.go", "reconcileRunHandler", "RollbackLogicalTransaction", txnId, rbErr)
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
			return
		}
		if _, err := workflow.CommitLogicalTransaction(ctx); err != nil {
			config.LogError(logger, "server.go", "reconcileRunHandler", "CommitLogicalTransaction", txnId, err)
		}
		c.JSON(http.StatusOK, gin.H{"logical_txn_id": txnId, "summary": summary})
	}
}

func auditListHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter models.AuditEntryFilter
		if err := c.ShouldBindQuery(&filter); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		entries, err := models.ListAuditEntries(c.Request.Context(), filter)
		if err != nil {
			config.LogError(logger, "server.go", "auditListHandler", "ListAuditEntries", filter, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}

func auditExportHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter models.AuditEntryFilter
		if err := c.ShouldBindQuery(&filter); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", `attachment; filename="audit_entries.xlsx"`)
		if err := models.ExportAuditEntries(c.Request.Context(), filter, c.Writer); err != nil {
			config.LogError(logger, "server.go", "auditExportHandler", "ExportAuditEntries", filter, err)
		}
	}
}

type securityEventRequest struct {
	EventType string                 `json:"event_type" binding:"required,securityevent"`
	Metadata  map[string]interface{} `json:"metadata"`
}

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("securityevent", func(fl validator.FieldLevel) bool {
			switch models.SecurityEventType(fl.Field().String()) {
			case models.SecurityEventRateLimitExceeded,
				models.SecurityEventInvalidToken,
				models.SecurityEventLoginFailed,
				models.SecurityEventAdminAction:
				return true
			}
			return false
		})
	}
}

func securityEventInsertHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req securityEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		models.RecordSecurityEvent(c.Request.Context(), models.SecurityEventType(req.EventType),
			req.Metadata, c.ClientIP(), c.Request.UserAgent())
		c.Status(http.StatusAccepted)
	}
}

func securityEventListHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter models.SecurityEventFilter
		if err := c.ShouldBindQuery(&filter); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		events, err := models.ListSecurityEvents(c.Request.Context(), filter)
		if err != nil {
			config.LogError(logger, "server.go", "securityEventListHandler", "ListSecurityEvents", filter, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}

type stageUpdateRequest struct {
	StageId int `json:"stage_id" binding:"required"`
}

func dealStageHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		dealId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid deal id"})
			return
		}
		var req stageUpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		deal, err := models.UpdateDealStage(c.Request.Context(), dealId, req.StageId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			config.LogError(logger, "server.go", "dealStageHandler", "UpdateDealStage", req, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stage update failed"})
			return
		}
		c.JSON(http.StatusOK, deal)
	}
}

func dealStageHistoryHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		dealId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid deal id"})
			return
		}
		history, err := models.ListDealStageHistory(c.Request.Context(), dealId)
		if err != nil {
			config.LogError(logger, "server.go", "dealStageHistoryHandler", "ListDealStageHistory", dealId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"history": history})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until the DB is ready, app endpoints return 503.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		if client := config.GetRedisDB(); client != nil {
			limit := int64(600)
			if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
					limit = n
				}
			}
			windowSec := int64(60)
			if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
					windowSec = n
				}
			}
			rateLimiter := middlewares.NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
			r.Use(rateLimiter.RateLimitMiddleware)
		} else {
			logger.WithFields(logrus.Fields{"field": "rate_limit"}).Warn("RATE_LIMIT_ENABLED but redis is not configured")
		}
	}

	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/auth/login", loginHandler())

	authed := r.Group("/", middlewares.RequireAuth())
	authed.POST("/reconcile/restore", restoreHandler(logger))
	authed.POST("/reconcile/merge", mergeHandler(logger))
	authed.GET("/audit/entries", auditListHandler(logger))
	authed.POST("/security/events", securityEventInsertHandler())
	authed.POST("/deals/:id/stage", dealStageHandler(logger))
	authed.GET("/deals/:id/stages", dealStageHistoryHandler(logger))

	admin := r.Group("/", middlewares.RequireAuth(), middlewares.RequireAdmin())
	admin.POST("/reconcile/run", reconcileRunHandler(logger))
	admin.GET("/audit/export", auditExportHandler(logger))
	admin.GET("/security/events", securityEventListHandler(logger))

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	if config.PubSubConfigured() {
		if err := config.EnsureReconcileTopic(context.Background()); err != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub"}).Error("ensure reconcile topic: " + err.Error())
		}
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}
