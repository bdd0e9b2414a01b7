package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pinsync/pkg/logger"
)

const (
	dialTimeout  = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	writeWait    = 5 * time.Second
)

// WSTransport 基于WebSocket的通道传输层
// 每个主题一条连接，主题名通过查询参数下发
type WSTransport struct {
	baseURL string
	header  http.Header
	log     logger.Logger
}

// NewWSTransport 创建WebSocket传输层
func NewWSTransport(baseURL, userID, sessionID string, log logger.Logger) *WSTransport {
	header := http.Header{}
	header.Set("X-User-ID", userID)
	header.Set("X-Session-ID", sessionID)
	return &WSTransport{
		baseURL: baseURL,
		header:  header,
		log:     log,
	}
}

// Dial 建立一个主题的订阅连接
func (t *WSTransport) Dial(ctx context.Context, topic string) (Conn, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("topic", topic)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), t.header)
	if err != nil {
		return nil, err
	}

	c := &wsConn{
		ws:     ws,
		topic:  topic,
		log:    t.log,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// wsConn 单主题WebSocket连接
type wsConn struct {
	ws        *websocket.Conn
	topic     string
	log       logger.Logger
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Events 事件通道，连接断开后关闭
func (c *wsConn) Events() <-chan Event {
	return c.events
}

// Close 关闭连接
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.ws.Close()
}

// readLoop 读消息并解码为事件，无法解码的帧跳过
// 退出时先走Close让心跳循环一并停下，再关事件通道
func (c *wsConn) readLoop() {
	defer func() {
		c.Close()
		close(c.events)
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			c.log.Warn(context.Background(), "无法解析的推送帧，跳过",
				logger.F("topic", c.topic), logger.F("error", err.Error()))
			continue
		}
		if event.Topic == "" {
			event.Topic = c.topic
		}

		select {
		case c.events <- event:
		case <-c.done:
			return
		}
	}
}

// pingLoop 心跳保活
func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
