package crypto

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// Хеширование API ключей пользователей для control API.
// Ключ хранится только в виде bcrypt-хеша; проверка constant-time.

var (
	ErrEmptyKey    = errors.New("api key cannot be empty")
	ErrKeyMismatch = errors.New("api key does not match hash")
	ErrInvalidHash = errors.New("invalid key hash format")
	ErrKeyTooLong  = errors.New("api key exceeds maximum length of 72 bytes")
)

// DefaultCost - стоимость bcrypt по умолчанию
const DefaultCost = 12

// MaxKeyLength - ограничение bcrypt на длину входа (72 байта)
const MaxKeyLength = 72

// HashAPIKey хеширует API ключ через bcrypt со случайным salt.
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	if len(key) > MaxKeyLength {
		return "", ErrKeyTooLong
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), DefaultCost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// VerifyAPIKey проверяет соответствие ключа хешу.
func VerifyAPIKey(key, hash string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if hash == "" {
		return ErrInvalidHash
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrKeyMismatch
		}
		return ErrInvalidHash
	}

	return nil
}

// CheckAPIKey возвращает bool для использования в условиях.
func CheckAPIKey(key, hash string) bool {
	return VerifyAPIKey(key, hash) == nil
}
