// Package venue предоставляет унифицированный интерфейс для работы с площадками.
package venue

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// HTTPClientConfig - настройки HTTP клиента площадок
type HTTPClientConfig struct {
	// Таймауты
	ConnectTimeout time.Duration // установка TCP соединения
	TotalTimeout   time.Duration // общий таймаут операции

	// Connection pooling
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	// TLS
	TLSHandshakeTimeout time.Duration

	// Keep-Alive
	KeepAliveInterval time.Duration

	// ProxyURL - egress прокси аккаунта. Пустая строка = прямое соединение
	// (разрешено только для админских аккаунтов, проверяется фабрикой).
	ProxyURL string
}

// DefaultHTTPClientConfig - параметры, оптимизированные для торговых операций
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout: 5 * time.Second,
		TotalTimeout:   30 * time.Second,

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout: 5 * time.Second,
		KeepAliveInterval:   30 * time.Second,
	}
}

// NewHTTPClient создает http.Client с connection pooling и привязкой к прокси.
//
// Прокси привязывается per-account и не шарится между аккаунтами,
// поэтому глобального singleton клиента здесь нет — каждый набор
// клиентов аккаунта получает свой пул соединений.
func NewHTTPClient(cfg HTTPClientConfig) (*http.Client, error) {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAliveInterval,
	}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}

	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.TotalTimeout,
	}, nil
}
