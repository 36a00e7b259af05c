package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"redditchat/internal/billing"
)

func (h *Handler) listProducts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"products": billing.Products()})
}

type createOrderRequest struct {
	ProductID string `json:"productId"`
	UserID    string `json:"userId"`
}

func (h *Handler) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "productId is required"})
		return
	}
	order, err := h.billing.CreateOrder(c.Request.Context(), req.ProductID, req.UserID)
	if err != nil {
		if errors.Is(err, billing.ErrUnknownProduct) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.log.Error("create order failed", "product", req.ProductID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"orderId":          order.ID,
		"productId":        order.ProductID,
		"productName":      order.ProductName,
		"amount":           float64(order.Amount) / 100,
		"staticQrcodePath": billing.StaticQRCodePath,
	})
}

func (h *Handler) queryOrder(c *gin.Context) {
	orderID := strings.TrimSpace(c.Query("orderId"))
	if orderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "orderId is required"})
		return
	}
	order, err := h.billing.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sql.ErrNoRows) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"orderId":    order.ID,
		"status":     order.Status,
		"tradeState": billing.TradeState(order.Status),
	})
}

type notifyRequest struct {
	OrderID string `json:"orderId"`
}

// paymentNotify stands in for the gateway callback. There is no signature to
// verify; the frontend calls it when the user confirms the payment.
func (h *Handler) paymentNotify(c *gin.Context) {
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.OrderID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "orderId is required"})
		return
	}
	order, err := h.billing.MarkPaid(c.Request.Context(), req.OrderID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, sql.ErrNoRows):
			status = http.StatusNotFound
		case errors.Is(err, billing.ErrOrderClosed):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": "SUCCESS", "orderId": order.ID, "status": order.Status})
}
