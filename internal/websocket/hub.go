package websocket

import (
	"bytes"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"fundingarb/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Пул JSON буферов: Broadcast вызывается на каждое BBO событие,
// без пула аллокация на каждый вызов.
var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// AuthorizeFunc решает, видит ли пользователь данные аккаунта
type AuthorizeFunc func(user *models.User, accountID int) bool

// envelope - сообщение с областью видимости.
// accountID == 0 означает публичные данные (BBO, funding).
type envelope struct {
	accountID int
	payload   []byte
}

// Hub управляет активными WebSocket соединениями control plane.
//
// Публичные события (BBO, funding) рассылаются всем клиентам.
// Приватные (уведомления, позиции) - только владельцу аккаунта
// и админам, фильтр через AuthorizeFunc.
//
// Использование:
//  1. hub := NewHub(authorize, logger)
//  2. go hub.Run()
//  3. hub.BroadcastBBO(...) / hub.BroadcastNotification(...)
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client

	authorize AuthorizeFunc
	logger    *zap.Logger

	mu sync.RWMutex
}

// NewHub создает hub. authorize == nil разрешает только публичные события.
func NewHub(authorize AuthorizeFunc, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		authorize:  authorize,
		logger:     logger,
	}
}

// Run запускает главный цикл. Запускать в горутине: go hub.Run()
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client connected",
				zap.Int("user_id", client.userID()),
				zap.Int("total", total),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client disconnected", zap.Int("total", total))

		case env := <-h.broadcast:
			// Список клиентов копируется под коротким RLock,
			// отправка идет без блокировки
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				if !h.visible(client, env.accountID) {
					continue
				}
				select {
				case client.send <- env.payload:
				default:
					// клиент не вычитывает буфер
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				h.logger.Warn("removed slow ws clients",
					zap.Int("removed", len(toRemove)),
					zap.Int("total", total),
				)
			}
		}
	}
}

func (h *Hub) visible(client *Client, accountID int) bool {
	if accountID == 0 {
		return true
	}
	if h.authorize == nil {
		return false
	}
	return h.authorize(client.user, accountID)
}

// send сериализует сообщение через пул буферов и кладет в broadcast
func (h *Hub) send(accountID int, message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.logger.Error("marshal ws message", zap.Error(err))
		jsonBufferPool.Put(buf)
		return
	}

	data := buf.Bytes()
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}

	// буфер вернется в пул, данные копируются
	payload := make([]byte, len(data))
	copy(payload, data)
	jsonBufferPool.Put(buf)

	select {
	case h.broadcast <- envelope{accountID: accountID, payload: payload}:
	default:
		h.logger.Warn("ws broadcast buffer full, message dropped")
	}
}

// BroadcastBBO отправляет BBO обновление всем клиентам
func (h *Hub) BroadcastBBO(venue, symbol string, bid, ask float64, ts time.Time) {
	h.send(0, &BBOUpdateMessage{
		Type:   "bbo",
		Venue:  venue,
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Ts:     ts.UTC(),
	})
}

// BroadcastFunding отправляет свежую ставку всем клиентам
func (h *Hub) BroadcastFunding(venue, symbol string, rate8h, intervalHours float64) {
	h.send(0, &FundingUpdateMessage{
		Type:          "funding",
		Venue:         venue,
		Symbol:        symbol,
		Rate8h:        rate8h,
		IntervalHours: intervalHours,
	})
}

// BroadcastNotification доставляет уведомление владельцу аккаунта
func (h *Hub) BroadcastNotification(n *models.Notification) {
	h.send(n.AccountID, &NotificationMessage{
		Type:      "notification",
		AccountID: n.AccountID,
		Data:      n,
	})
}

// BroadcastPositionUpdate доставляет снимок позиции владельцу аккаунта
func (h *Hub) BroadcastPositionUpdate(accountID int, data interface{}) {
	h.send(accountID, &PositionUpdateMessage{
		Type:      "positionUpdate",
		AccountID: accountID,
		Data:      data,
	})
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
