package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"TreasuryMind-Chain/internal/events"
)

const (
	streamBuffer = 64
	writeWait    = 5 * time.Second
	pingPeriod   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamEvents 将总线事件以 JSON 文本帧推送给 WebSocket 客户端。
// 客户端消费过慢时丢弃事件，不阻塞总线。
func (s *Server) streamEvents(c *gin.Context) {
	if s.deps.Stream == nil {
		unavailable(c, "事件流")
		return
	}

	feed := make(chan events.Event, streamBuffer)
	remote := c.Request.RemoteAddr
	cancel := s.deps.Stream.Subscribe("ws:"+remote, events.SubscriberFunc(func(_ context.Context, e events.Event) error {
		select {
		case feed <- e:
		default:
			s.logger.Warn("事件流客户端过慢，丢弃事件", slog.String("remote", remote), slog.Uint64("seq", e.Seq))
		}
		return nil
	}))
	defer cancel()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket 升级失败", slog.String("remote", remote), slog.Any("error", err))
		return
	}
	defer conn.Close()

	// 读循环只用于感知客户端关闭。
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case e := <-feed:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("事件推送失败", slog.String("remote", remote), slog.Any("error", err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
