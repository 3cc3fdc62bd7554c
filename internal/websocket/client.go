package websocket

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fundingarb/internal/api/middleware"
	"fundingarb/internal/models"
)

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	// меньше pongWait, иначе соединение умрет до ping'а
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	clientSendBufferSize = 512
)

// originChecker проверяет Origin против ALLOWED_ORIGINS
// (comma-separated). Пустая переменная или "*" разрешает все:
// control plane обычно за reverse proxy на закрытой сети.
type originCheck struct {
	allowed  map[string]struct{}
	allowAll bool
}

var originChecker = initOriginChecker()

func initOriginChecker() *originCheck {
	checker := &originCheck{allowed: make(map[string]struct{})}

	env := os.Getenv("ALLOWED_ORIGINS")
	if env == "" || env == "*" {
		checker.allowAll = true
		return checker
	}

	for _, origin := range strings.Split(env, ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			checker.allowed[origin] = struct{}{}
		}
	}
	return checker
}

func (oc *originCheck) check(origin string) bool {
	if origin == "" {
		// non-browser клиенты (curl, скрипты)
		return true
	}
	if oc.allowAll {
		return true
	}
	_, ok := oc.allowed[origin]
	return ok
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return originChecker.check(r.Header.Get("Origin"))
	},
	EnableCompression: true,
}

// Client - одно WebSocket соединение.
// Две горутины: readPump (контроль живости) и writePump (доставка).
type Client struct {
	conn *websocket.Conn
	hub  *Hub
	user *models.User // nil на instance control surface
	send chan []byte
}

func (c *Client) userID() int {
	if c.user == nil {
		return 0
	}
	return c.user.ID
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Поток односторонний, входящие сообщения игнорируются.
	// Чтение нужно для обработки pong и close frame'ов.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("ws read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub закрыл канал
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// добираем накопившийся буфер в тот же фрейм
		drainLoop:
			for {
				select {
				case msg, ok := <-c.send:
					if !ok {
						break drainLoop
					}
					w.Write([]byte{'\n'})
					w.Write(msg)
				default:
					break drainLoop
				}
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS апгрейдит HTTP соединение до WebSocket.
//
// На operator API регистрируется за API-key middleware и берет
// пользователя из request context. На instance control surface
// middleware нет: user остаётся nil, видимость решает AuthorizeFunc
// hub'а (порт слушается только на loopback).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn: conn,
		hub:  h,
		user: user,
		send: make(chan []byte, clientSendBufferSize),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}
