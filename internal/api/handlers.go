package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"redditchat/internal/models"
	"redditchat/internal/service/chat"
)

// ChatService runs a chat turn in two steps so pre-stream failures can still
// be answered with a plain JSON error.
type ChatService interface {
	Prepare(ctx context.Context, req chat.TurnRequest) (*chat.Turn, error)
	Stream(ctx context.Context, turn *chat.Turn, onChunk func(string) error) (*models.Message, error)
}

type QuotaService interface {
	Get(ctx context.Context, userID string) (*models.QuotaRecord, error)
	Limit() int
	Remaining(rec *models.QuotaRecord) int
}

type BillingService interface {
	CreateOrder(ctx context.Context, productID, userID string) (*models.Order, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	MarkPaid(ctx context.Context, id string) (*models.Order, error)
}

// Handler wires HTTP routes to the chat relay, quota and billing services.
type Handler struct {
	chat        ChatService
	quota       QuotaService
	billing     BillingService
	typingDelay time.Duration
	log         *slog.Logger
}

// NewHandler constructs a Handler instance. A positive typingDelay splits
// every provider fragment into one event per rune, spaced by the delay.
func NewHandler(chatSvc ChatService, quotaSvc QuotaService, billingSvc BillingService, typingDelay time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		chat:        chatSvc,
		quota:       quotaSvc,
		billing:     billingSvc,
		typingDelay: typingDelay,
		log:         logger.With("component", "api"),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.HandleMethodNotAllowed = true
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
	})
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/chat", h.chatTurn)
	api.GET("/user/message-count", h.messageCount)

	payment := api.Group("/payment")
	payment.GET("/products", h.listProducts)
	payment.POST("/create-order", h.createOrder)
	payment.GET("/query-order", h.queryOrder)
	payment.POST("/notify", h.paymentNotify)
}

type chatRequest struct {
	Message        string `json:"message"`
	Subreddit      string `json:"subreddit"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

func (h *Handler) chatTurn(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	turn, err := h.chat.Prepare(ctx, chat.TurnRequest{
		Message:        req.Message,
		Community:      req.Subreddit,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
	})
	if err != nil {
		h.writePrepareError(c, err)
		return
	}

	// SSE Request construction
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(payload interface{}) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var data []byte
		switch v := payload.(type) {
		case string:
			data = []byte(v)
		default:
			var err error
			data, err = json.Marshal(v)
			if err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := sendEvent(gin.H{"conversationId": turn.ConversationID}); err != nil {
		return
	}

	_, err = h.chat.Stream(ctx, turn, func(fragment string) error {
		return h.deliver(ctx, fragment, func(s string) error {
			return sendEvent(gin.H{"content": s})
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			h.log.Info("client disconnected mid-stream", "conversation", turn.ConversationID)
			return
		}
		_ = sendEvent(gin.H{"error": err.Error()})
		return
	}
	_ = sendEvent("[DONE]")
}

// deliver forwards one provider fragment, rune by rune when a typing delay is
// configured. The delay is abandoned as soon as the client goes away.
func (h *Handler) deliver(ctx context.Context, fragment string, send func(string) error) error {
	if h.typingDelay <= 0 {
		return send(fragment)
	}
	timer := time.NewTimer(h.typingDelay)
	defer timer.Stop()
	for i, r := range []rune(fragment) {
		if i > 0 {
			timer.Reset(h.typingDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := send(string(r)); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) writePrepareError(c *gin.Context, err error) {
	var quotaErr *chat.QuotaExceededError
	switch {
	case errors.As(err, &quotaErr):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error(), "limit": quotaErr.Limit})
	case errors.Is(err, chat.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrProviderNotConfigured):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		h.log.Error("chat turn failed before streaming", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *Handler) messageCount(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("userId"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	rec, err := h.quota.Get(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("load message count failed", "user", userID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":     rec.Count,
		"limit":     h.quota.Limit(),
		"remaining": h.quota.Remaining(rec),
		"premium":   rec.Premium,
		"date":      rec.Date,
	})
}
