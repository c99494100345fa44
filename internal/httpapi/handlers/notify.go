package handlers

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"barassistant/internal/bot"
	"barassistant/internal/history"
)

type notifyUser struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type notifyReq struct {
	Room    string     `json:"room"`
	Command string     `json:"command"`
	User    notifyUser `json:"user"`
}

// Notify handles structured requests from the mini app: confirm to the
// requesting guest, record the request in their history, and fan the alert
// out to every notification admin. The response keeps the mini app's
// contract: {ok, notified, total_admins}.
func (h *Handler) Notify(c *gin.Context) {
	var req notifyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid json"})
		return
	}

	room := req.Room
	if room == "" {
		room = "Unknown room"
	}
	request := strings.TrimSpace(strings.TrimLeft(req.Command, "> "))
	alert := fmt.Sprintf("%s requests: %s", room, request)

	if req.User.ID != 0 {
		if err := h.Sender.SendMessage(c.Request.Context(), req.User.ID,
			fmt.Sprintf("Request sent!\nRoom: %s\n%s", room, request)); err != nil {
			log.Printf("notify: confirm to %d failed: %v", req.User.ID, err)
		}
		if err := h.Store.UpsertUser(c.Request.Context(), req.User.ID, req.User.Name); err != nil {
			log.Printf("notify: upsert user %d: %v", req.User.ID, err)
		} else if err := h.Store.AddMessage(c.Request.Context(), req.User.ID, history.RoleUser, alert); err != nil {
			log.Printf("notify: record request for %d: %v", req.User.ID, err)
		}
	}

	ids, err := h.Store.GetNotificationAdminIDs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "store unavailable"})
		return
	}

	rep := bot.Fanout(c.Request.Context(), h.Sender, ids, alert, 0)

	c.JSON(http.StatusOK, gin.H{
		"ok":           true,
		"notified":     rep.Delivered,
		"total_admins": len(ids),
	})
}
