package venue

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"fundingarb/internal/models"
	"fundingarb/pkg/crypto"
)

var factoryJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Поддерживаемые площадки
const (
	VenueHyperliquid = "hyperliquid"
	VenueParadex     = "paradex"
)

// SupportedVenues - список поддерживаемых площадок
func SupportedVenues() []string {
	return []string{VenueHyperliquid, VenueParadex}
}

// IsSupportedVenue проверяет имя площадки
func IsSupportedVenue(name string) bool {
	return name == VenueHyperliquid || name == VenueParadex
}

// credentialPayload - расшифрованное содержимое ciphertext'а credentials
type credentialPayload struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// IntervalReporter - опциональная возможность адаптера отдавать
// кэш интервалов для привязки персистенции переопределений
type IntervalReporter interface {
	Intervals() *IntervalCache
}

// Factory собирает клиентов площадок для конкретного аккаунта.
// Весь egress трафик не-админского аккаунта идет через его прокси.
type Factory struct {
	encryptionKey []byte
	logger        *zap.Logger
}

// NewFactory создает фабрику с ключом расшифровки credentials
func NewFactory(encryptionKey []byte, logger *zap.Logger) (*Factory, error) {
	if err := crypto.ValidateKey(encryptionKey); err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	return &Factory{encryptionKey: encryptionKey, logger: logger}, nil
}

// ResolveProxy выбирает egress прокси аккаунта.
//
// Админ может работать без прокси (пустая строка). Не-админский
// аккаунт без активного прокси не торгует: ErrNoProxy, никакого
// тихого фолбэка на прямое соединение.
func ResolveProxy(account *models.Account, proxies []models.ProxyAssignment) (string, error) {
	var best *models.ProxyAssignment
	for i := range proxies {
		p := &proxies[i]
		if p.AccountID != account.ID || p.Status != models.ProxyStatusActive {
			continue
		}
		if best == nil || p.Priority < best.Priority {
			best = p
		}
	}

	if best != nil {
		return best.ProxyURL, nil
	}
	if account.IsAdmin {
		return "", nil
	}
	return "", fmt.Errorf("%w: account %d", ErrNoProxy, account.ID)
}

// Build создает клиента площадки для аккаунта.
// Прокси и credentials разрешаются на этапе конструирования:
// ошибка здесь означает, что аккаунт торговать не может вообще.
func (f *Factory) Build(venueName string, account *models.Account, creds *models.ExchangeCredentials, proxies []models.ProxyAssignment) (Client, error) {
	if !IsSupportedVenue(venueName) {
		return nil, fmt.Errorf("unsupported venue: %s", venueName)
	}
	if creds == nil || creds.Venue != venueName {
		return nil, fmt.Errorf("no credentials for venue %s (account %d)", venueName, account.ID)
	}

	proxyURL, err := ResolveProxy(account, proxies)
	if err != nil {
		return nil, err
	}

	plaintext, err := crypto.Decrypt(creds.Ciphertext, f.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials for %s: %w", venueName, err)
	}

	var payload credentialPayload
	if err := factoryJSON.Unmarshal([]byte(plaintext), &payload); err != nil {
		return nil, fmt.Errorf("malformed credentials for %s: %w", venueName, err)
	}
	if payload.APIKey == "" || payload.APISecret == "" {
		return nil, fmt.Errorf("incomplete credentials for %s", venueName)
	}

	httpCfg := DefaultHTTPClientConfig()
	httpCfg.ProxyURL = proxyURL
	httpClient, err := NewHTTPClient(httpCfg)
	if err != nil {
		return nil, fmt.Errorf("http client for %s: %w", venueName, err)
	}

	logger := f.logger.With(
		zap.String("venue", venueName),
		zap.Int("account_id", account.ID),
	)

	switch venueName {
	case VenueHyperliquid:
		return NewHyperliquid(payload.APIKey, payload.APISecret, proxyURL, httpClient, logger), nil
	case VenueParadex:
		return NewParadex(payload.APIKey, payload.APISecret, proxyURL, httpClient, logger), nil
	}

	return nil, fmt.Errorf("unsupported venue: %s", venueName)
}

// BuildAll создает клиентов всех запрошенных площадок.
// При ошибке уже созданные клиенты закрываются.
func (f *Factory) BuildAll(venues []string, account *models.Account, credsByVenue map[string]*models.ExchangeCredentials, proxies []models.ProxyAssignment) (map[string]Client, error) {
	clients := make(map[string]Client, len(venues))
	for _, name := range venues {
		client, err := f.Build(name, account, credsByVenue[name], proxies)
		if err != nil {
			for _, c := range clients {
				c.Close()
			}
			return nil, err
		}
		clients[name] = client
	}
	return clients, nil
}
