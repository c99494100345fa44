package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"barassistant/internal/bot"
	"barassistant/internal/common"
	"barassistant/internal/config"
	"barassistant/internal/history"
)

// Publisher enqueues broadcast jobs for the worker. When nil the broadcast
// endpoint falls back to synchronous fan-out.
type Publisher interface {
	PublishBroadcast(ctx context.Context, jobID string) error
}

type Handler struct {
	Store     *history.Store
	Cfg       config.Config
	Sender    bot.Sender
	Publisher Publisher
}

func NewHandler(store *history.Store, cfg config.Config, sender bot.Sender, pub Publisher) *Handler {
	return &Handler{Store: store, Cfg: cfg, Sender: sender, Publisher: pub}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}
