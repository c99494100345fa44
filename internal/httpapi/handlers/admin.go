package handlers

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"barassistant/internal/auth"
	"barassistant/internal/bot"
	"barassistant/internal/common"
	"barassistant/internal/history"
)

type loginReq struct {
	Password string `json:"password"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Password == "" {
		common.Fail(c, http.StatusBadRequest, 10001, "password required")
		return
	}
	if h.Cfg.AdminPasswordHash == "" || !auth.CheckPassword(h.Cfg.AdminPasswordHash, req.Password) {
		common.Fail(c, http.StatusUnauthorized, 40102, "wrong password")
		return
	}
	token, err := auth.SignJWT("admin", h.Cfg.JWTSecret, 24*time.Hour)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}
	common.OK(c, gin.H{"token": token})
}

func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.Store.GetStats(c.Request.Context())
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "store error")
		return
	}
	common.OK(c, stats)
}

func (h *Handler) Export(c *gin.Context) {
	text, err := h.Store.ExportData(c.Request.Context())
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "store error")
		return
	}
	c.String(http.StatusOK, text)
}

func (h *Handler) Users(c *gin.Context) {
	users, err := h.Store.GetAllUsers(c.Request.Context())
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "store error")
		return
	}
	common.OK(c, gin.H{"users": users, "count": len(users)})
}

func userIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || id <= 0 {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid user id")
		return 0, false
	}
	return id, true
}

func (h *Handler) BanUser(c *gin.Context) {
	id, ok := userIDParam(c)
	if !ok {
		return
	}
	if slices.Contains(h.Cfg.OperatorIDs, id) {
		common.Fail(c, http.StatusForbidden, 40300, "operators cannot be banned")
		return
	}
	if err := h.Store.BanUser(c.Request.Context(), id); err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "store error")
		return
	}
	common.OK(c, gin.H{"user_id": id, "banned": true})
}

func (h *Handler) UnbanUser(c *gin.Context) {
	id, ok := userIDParam(c)
	if !ok {
		return
	}
	if err := h.Store.UnbanUser(c.Request.Context(), id); err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "store error")
		return
	}
	common.OK(c, gin.H{"user_id": id, "banned": false})
}

func (h *Handler) AddNotifyAdmin(c *gin.Context) {
	id, ok := userIDParam(c)
	if !ok {
		return
	}
	if err := h.Store.AddNotificationAdmin(c.Request.Context(), id); err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "store error")
		return
	}
	common.OK(c, gin.H{"user_id": id, "notify_admin": true})
}

func (h *Handler) RemoveNotifyAdmin(c *gin.Context) {
	id, ok := userIDParam(c)
	if !ok {
		return
	}
	if err := h.Store.RemoveNotificationAdmin(c.Request.Context(), id); err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "store error")
		return
	}
	common.OK(c, gin.H{"user_id": id, "notify_admin": false})
}

type broadcastReq struct {
	Text string `json:"text"`
}

// Broadcast persists a job and hands it to the worker via the queue. Without
// a publisher it delivers inline and the job record still carries the counts.
func (h *Handler) Broadcast(c *gin.Context) {
	var req broadcastReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
		common.Fail(c, http.StatusBadRequest, 10005, "text required")
		return
	}

	id, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20007, "failed to allocate job id")
		return
	}
	job := &history.BroadcastJob{ID: id, Text: req.Text, Status: history.JobQueued}
	if err := h.Store.CreateBroadcastJob(c.Request.Context(), job); err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "store error")
		return
	}

	if h.Publisher != nil {
		if err := h.Publisher.PublishBroadcast(c.Request.Context(), id); err != nil {
			_ = h.Store.MarkBroadcastFailed(c.Request.Context(), id, "enqueue failed: "+err.Error())
			common.Fail(c, http.StatusInternalServerError, 20008, "failed to enqueue job")
			return
		}
		common.OK(c, gin.H{"job_id": id, "status": history.JobQueued})
		return
	}

	if err := h.Store.MarkBroadcastRunning(c.Request.Context(), id); err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "store error")
		return
	}
	ids, err := h.Store.GetAllUserIDs(c.Request.Context())
	if err != nil {
		_ = h.Store.MarkBroadcastFailed(c.Request.Context(), id, err.Error())
		common.Fail(c, http.StatusInternalServerError, 20001, "store error")
		return
	}
	rep := bot.Fanout(c.Request.Context(), h.Sender, ids, req.Text, 0)
	if err := h.Store.MarkBroadcastSucceeded(c.Request.Context(), id, rep.Delivered, rep.Failed); err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "store error")
		return
	}
	common.OK(c, gin.H{
		"job_id":    id,
		"status":    history.JobSucceeded,
		"delivered": rep.Delivered,
		"failed":    rep.Failed,
	})
}

func (h *Handler) JobStatus(c *gin.Context) {
	job, err := h.Store.GetBroadcastJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "store error")
		return
	}
	common.OK(c, job)
}
