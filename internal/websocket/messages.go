package websocket

import "time"

// Типизированные сообщения: сериализация без map[string]interface{}

// BBOUpdateMessage - обновление best bid/offer площадки.
// Публичные данные, рассылаются всем подключенным клиентам.
type BBOUpdateMessage struct {
	Type   string    `json:"type"`
	Venue  string    `json:"venue"`
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Ts     time.Time `json:"ts"`
}

// FundingUpdateMessage - свежий снимок ставки финансирования
type FundingUpdateMessage struct {
	Type          string  `json:"type"`
	Venue         string  `json:"venue"`
	Symbol        string  `json:"symbol"`
	Rate8h        float64 `json:"rate_8h"`
	IntervalHours float64 `json:"interval_hours"`
}

// NotificationMessage - уведомление жизненного цикла позиции.
// Доставляется только владельцу аккаунта и админам.
type NotificationMessage struct {
	Type      string      `json:"type"`
	AccountID int         `json:"account_id"`
	Data      interface{} `json:"data"`
}

// PositionUpdateMessage - снимок состояния позиции
type PositionUpdateMessage struct {
	Type      string      `json:"type"`
	AccountID int         `json:"account_id"`
	Data      interface{} `json:"data"`
}
