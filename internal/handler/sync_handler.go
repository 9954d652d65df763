package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"jobtrail/internal/service/reconcile"
	"jobtrail/pkg/logger"
	"jobtrail/pkg/trace"
)

// maxLookbackHours 最多回溯 30 天
const maxLookbackHours = 24 * 30

// SyncRunner is the part of reconcile.Service the handler drives.
type SyncRunner interface {
	Run(ctx context.Context, userID int64, lookbackHours int) (*reconcile.RunResult, error)
	Stats(ctx context.Context) (reconcile.Stats, error)
	SourceConfigured() bool
}

// RunGuard serializes runs per user (*util.RunGuard).
type RunGuard interface {
	Acquire(ctx context.Context, userID int64, token string) (release func(), ok bool)
}

type SyncHandler struct {
	runner       SyncRunner
	guard        RunGuard
	defaultHours int
	timeout      time.Duration
	modelEnabled bool
	logger       *zap.Logger
}

func NewSyncHandler(runner SyncRunner, guard RunGuard, defaultHours int, timeout time.Duration, modelEnabled bool, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		runner:       runner,
		guard:        guard,
		defaultHours: defaultHours,
		timeout:      timeout,
		modelEnabled: modelEnabled,
		logger:       logger,
	}
}

// getUserID 读取 AuthMiddleware 写入的 user_id
func getUserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get("user_id")
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return 0, false
	}
	uid, ok := v.(int64)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return 0, false
	}
	return uid, true
}

// RunSync 同步最近 H 小时的邮件
// POST /sync/run?hours=24
func (h *SyncHandler) RunSync(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		return
	}

	hours := h.defaultHours
	if raw := c.Query("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxLookbackHours {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hours parameter"})
			return
		}
		hours = n
	}

	ctx, runID := trace.Ensure(c.Request.Context())
	log := logger.WithTrace(ctx, h.logger).With(zap.Int64("user_id", userID))

	release, acquired := h.guard.Acquire(ctx, userID, runID)
	if !acquired {
		c.JSON(http.StatusConflict, gin.H{"error": "sync_in_progress"})
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	result, err := h.runner.Run(ctx, userID, hours)
	switch {
	case errors.Is(err, reconcile.ErrSourceNotConfigured):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "mail_source_not_configured"})
		return
	case errors.Is(err, reconcile.ErrAuthFailed):
		log.Warn("Mail source authentication failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "mail_auth_failed"})
		return
	case err != nil:
		log.Error("Sync failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed", "run_id": runID})
		return
	}

	c.JSON(http.StatusOK, result)
}

// Status 返回已处理邮件统计以及邮件源/模型是否已配置
// GET /sync/status
func (h *SyncHandler) Status(c *gin.Context) {
	stats, err := h.runner.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to load sync stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total_processed":   stats.TotalProcessed,
		"job_related":       stats.JobRelated,
		"source_configured": h.runner.SourceConfigured(),
		"model_configured":  h.modelEnabled,
	})
}
