// Package api exposes the webhook surface: a health probe and the
// bot-token-suffixed endpoint Telegram delivers updates to. Updates are
// verified, converted to dialog events, and handed to the dispatcher.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"p12bot/internal/models"
	"p12bot/internal/redis"
	"p12bot/internal/worker"
)

const (
	secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"
	dedupTTL          = time.Hour
)

// Dispatcher queues one inbound event for processing.
type Dispatcher interface {
	Enqueue(ctx context.Context, ev models.Event) error
}

// Handler wires the HTTP routes to the update dispatcher.
type Handler struct {
	dispatcher Dispatcher
	botToken   string
	secret     string
	cache      *redis.Client
}

// NewHandler constructs a Handler instance. cache may be nil, which
// disables webhook dedup.
func NewHandler(dispatcher Dispatcher, botToken, secret string, cache *redis.Client) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		botToken:   botToken,
		secret:     secret,
		cache:      cache,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/", h.health)
	router.POST("/webhook/:token", h.webhook)
}

func (h *Handler) health(c *gin.Context) {
	c.String(http.StatusOK, "p12bot is running. Send a .p12 file on Telegram to change its password.")
}

func (h *Handler) webhook(c *gin.Context) {
	if c.Param("token") != h.botToken {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if h.secret != "" && c.GetHeader(secretTokenHeader) != h.secret {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret token"})
		return
	}

	var update tgbotapi.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid update payload"})
		return
	}
	if update.Message == nil || update.Message.Chat == nil {
		// Edits, channel posts, and the like are not part of the dialogue.
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	if h.isDuplicate(c.Request.Context(), update.UpdateID) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	// The dialogue outlives this request; it must not inherit the request
	// context.
	err := h.dispatcher.Enqueue(context.Background(), eventFromMessage(update.Message))
	if err != nil {
		if errors.Is(err, worker.ErrDispatcherBusy) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// isDuplicate drops webhook redeliveries of an update id already seen.
// Cache trouble never blocks delivery.
func (h *Handler) isDuplicate(ctx context.Context, updateID int) bool {
	if h.cache == nil {
		return false
	}
	key := fmt.Sprintf("webhook:update:%d", updateID)
	stored, err := h.cache.SetNX(ctx, key, 1, dedupTTL)
	if err != nil {
		log.Printf("api: dedup check for update %d failed: %v", updateID, err)
		return false
	}
	return !stored
}

func eventFromMessage(msg *tgbotapi.Message) models.Event {
	ev := models.Event{
		ChatID: msg.Chat.ID,
		Text:   msg.Text,
	}
	if cmd, ok := parseCommand(msg.Text); ok {
		ev.Command = cmd
	}
	if msg.Document != nil {
		ev.Document = &models.Document{
			FileID:   msg.Document.FileID,
			FileName: msg.Document.FileName,
			FileSize: int64(msg.Document.FileSize),
		}
	}
	return ev
}

// parseCommand extracts "/cmd" or "/cmd@botname" from the start of a message.
func parseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	if cmd == "" {
		return "", false
	}
	return strings.ToLower(cmd), true
}
