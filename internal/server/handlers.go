package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"creditgen-go/internal/models"
	"creditgen-go/internal/ordering"
	"creditgen-go/internal/pipeline"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type orderRequest struct {
	GroupID    string   `json:"groupId"`
	OrderedIDs []string `json:"orderedIds" binding:"required"`
}

type topUpRequest struct {
	UserID     string          `json:"userId" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
	PaymentRef string          `json:"paymentRef" binding:"required"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.cfg.DbService.Ping(ctx); err != nil {
		zap.L().Error("Health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req pipeline.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, pipeline.KindValidation, "Invalid request body.")
		return
	}

	result, err := s.cfg.Pipeline.SubmitKind(c.Request.Context(), models.MediaKind(c.Param("kind")), userID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if result.Status == models.SubmitStatusInQueue {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.cfg.Pipeline.GetJob(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewJobView(job))
}

func (s *Server) handleListJobs(c *gin.Context) {
	limit, offset := pagination(c)
	jobs, err := s.cfg.Pipeline.ListJobs(c.Request.Context(), userID(c), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobViews(jobs)})
}

// handleWebhook acknowledges every notification that retrying cannot fix.
// Only contention and store failures return a status the provider retries.
func (s *Server) handleWebhook(c *gin.Context) {
	var n models.WebhookNotification
	if err := c.ShouldBindJSON(&n); err != nil {
		zap.L().Warn("Malformed webhook payload", zap.Error(err))
		abortWithError(c, http.StatusBadRequest, pipeline.KindValidation, "Malformed webhook payload.")
		return
	}
	n.JobHint = c.Query("job")

	err := s.cfg.Reconciler.Reconcile(c.Request.Context(), n)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	classified := pipeline.Classify(err)
	switch classified.Kind {
	case pipeline.KindReconciliationContention, pipeline.KindInternal:
		writeError(c, err)
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": classified.Kind})
	}
}

func (s *Server) handleListAssets(c *gin.Context) {
	jobs, err := s.cfg.Ordering.List(c.Request.Context(), userID(c), c.Query("group"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": jobViews(jobs)})
}

func (s *Server) handleSetOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, pipeline.KindValidation, "Invalid request body.")
		return
	}

	if err := s.cfg.Ordering.SetExplicitOrder(c.Request.Context(), userID(c), req.GroupID, req.OrderedIDs); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": ordering.ModeExplicit})
}

func (s *Server) handleMove(c *gin.Context) {
	var req ordering.MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, pipeline.KindValidation, "Invalid request body.")
		return
	}
	req.UserID = userID(c)
	req.AssetID = c.Param("id")

	mode, err := s.cfg.Ordering.Reorder(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": mode})
}

func (s *Server) handleBalance(c *gin.Context) {
	balance, err := s.cfg.Ledger.Balance(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.BalanceResult{UserId: userID(c), Balance: balance})
}

func (s *Server) handleHistory(c *gin.Context) {
	limit, offset := pagination(c)
	history, err := s.cfg.Ledger.History(c.Request.Context(), userID(c), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	if history == nil {
		history = []models.CreditTransaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": history})
}

func (s *Server) handleTopUp(c *gin.Context) {
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, pipeline.KindValidation, "Invalid request body.")
		return
	}

	result, err := s.cfg.Ledger.TopUp(c.Request.Context(), req.UserID, req.Amount, req.PaymentRef)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func pagination(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil {
		limit = 20
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

func jobViews(jobs []models.JobRecord) []models.JobView {
	views := make([]models.JobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, models.NewJobView(&jobs[i]))
	}
	return views
}
