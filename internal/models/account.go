package models

import "time"

// User - владелец аккаунтов и запусков, авторизуется API-ключом
type User struct {
	ID         int       `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	APIKeyHash string    `json:"-" db:"api_key_hash"` // bcrypt
	IsAdmin    bool      `json:"is_admin" db:"is_admin"`
	Active     bool      `json:"active" db:"active"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Account - торговый аккаунт с изолированными credentials и egress
type Account struct {
	ID        int       `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	UserID    *int      `json:"user_id,omitempty" db:"user_id"`
	IsAdmin   bool      `json:"is_admin" db:"is_admin"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ExchangeCredentials - зашифрованные ключи аккаунта для площадки.
// Ciphertext непрозрачен, расшифровывается при загрузке единым ключом.
type ExchangeCredentials struct {
	ID         int       `json:"id" db:"id"`
	AccountID  int       `json:"account_id" db:"account_id"`
	Venue      string    `json:"venue" db:"venue"`
	Ciphertext string    `json:"-" db:"ciphertext"` // base64 AES-GCM
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// ProxyAssignment - привязка egress прокси к аккаунту.
// Прокси никогда не шарится между аккаунтами.
type ProxyAssignment struct {
	ID        int    `json:"id" db:"id"`
	AccountID int    `json:"account_id" db:"account_id"`
	ProxyURL  string `json:"proxy_url" db:"proxy_url"`
	Priority  int    `json:"priority" db:"priority"`
	Status    string `json:"status" db:"status"`
}

// Статусы прокси
const (
	ProxyStatusActive  = "active"
	ProxyStatusStandby = "standby"
	ProxyStatusBurned  = "burned"
)

// AuditEntry - запись журнала действий control plane
type AuditEntry struct {
	ID        int       `json:"id" db:"id"`
	UserID    int       `json:"user_id" db:"user_id"`
	Action    string    `json:"action" db:"action"` // run_start, run_stop, reconcile...
	Details   string    `json:"details" db:"details"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
