package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"predictmarket/internal/ws"
)

const (
	wsSendBuffer   = 16
	wsWriteTimeout = 5 * time.Second
)

type WSHandler struct {
	Hub    *ws.Hub
	Logger *zap.Logger
}

func (h *WSHandler) Register(r *gin.Engine) {
	r.GET("/ws", h.serve)
}

type wsClientMessage struct {
	Type     string `json:"type"`
	MarketID string `json:"market_id"`
}

type wsAck struct {
	Type     string `json:"type"`
	MarketID string `json:"market_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (h *WSHandler) serve(c *gin.Context) {
	if h.Hub == nil {
		Error(c, http.StatusServiceUnavailable, "websocket unavailable", nil)
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Debug("websocket accept failed", zap.Error(err))
		}
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// One subscription per market; resubscribing to the same market is a no-op.
	cancels := map[string]func(){}
	defer func() {
		for _, stop := range cancels {
			stop()
		}
	}()

	for {
		var msg wsClientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		switch msg.Type {
		case "subscribe":
			marketID := strings.TrimSpace(msg.MarketID)
			if marketID == "" {
				h.write(ctx, conn, wsAck{Type: "error", Error: "market_id required"})
				continue
			}
			if _, ok := cancels[marketID]; ok {
				h.write(ctx, conn, wsAck{Type: "subscribed", MarketID: marketID})
				continue
			}
			updates, stop := h.Hub.Subscribe(marketID, wsSendBuffer)
			cancels[marketID] = stop
			go h.forward(ctx, conn, updates)
			h.write(ctx, conn, wsAck{Type: "subscribed", MarketID: marketID})
		case "unsubscribe":
			marketID := strings.TrimSpace(msg.MarketID)
			if stop, ok := cancels[marketID]; ok {
				stop()
				delete(cancels, marketID)
			}
			h.write(ctx, conn, wsAck{Type: "unsubscribed", MarketID: marketID})
		case "ping":
			h.write(ctx, conn, wsAck{Type: "pong"})
		default:
			h.write(ctx, conn, wsAck{Type: "error", Error: "unknown message type"})
		}
	}
}

func (h *WSHandler) forward(ctx context.Context, conn *websocket.Conn, updates <-chan ws.BookUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			payload, err := json.Marshal(update)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) write(ctx context.Context, conn *websocket.Conn, v any) {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, v); err != nil && h.Logger != nil {
		h.Logger.Debug("websocket write failed", zap.Error(err))
	}
}
