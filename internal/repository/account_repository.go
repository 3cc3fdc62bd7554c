package repository

import (
	"database/sql"
	"errors"
	"time"

	"fundingarb/internal/models"
)

// Ошибки репозитория аккаунтов
var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrCredentialsNotFound = errors.New("exchange credentials not found")
)

// AccountRepository - работа с таблицами users, accounts,
// exchange_credentials и proxy_assignments
type AccountRepository struct {
	db *sql.DB
}

// NewAccountRepository создает новый экземпляр репозитория
func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// GetUserByID возвращает пользователя по ID
func (r *AccountRepository) GetUserByID(id int) (*models.User, error) {
	query := `
		SELECT id, name, api_key_hash, is_admin, active, created_at
		FROM users
		WHERE id = $1`

	user := &models.User{}
	err := r.db.QueryRow(query, id).Scan(
		&user.ID,
		&user.Name,
		&user.APIKeyHash,
		&user.IsAdmin,
		&user.Active,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	return user, nil
}

// GetActiveUsers возвращает активных пользователей.
// Аутентификация по API-ключу сверяет bcrypt хэш с каждым из них.
func (r *AccountRepository) GetActiveUsers() ([]*models.User, error) {
	query := `
		SELECT id, name, api_key_hash, is_admin, active, created_at
		FROM users
		WHERE active = true
		ORDER BY id`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user := &models.User{}
		err := rows.Scan(
			&user.ID,
			&user.Name,
			&user.APIKeyHash,
			&user.IsAdmin,
			&user.Active,
			&user.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return users, nil
}

// GetAccountByID возвращает аккаунт по ID
func (r *AccountRepository) GetAccountByID(id int) (*models.Account, error) {
	query := `
		SELECT id, name, user_id, is_admin, active, created_at
		FROM accounts
		WHERE id = $1`

	account := &models.Account{}
	err := r.db.QueryRow(query, id).Scan(
		&account.ID,
		&account.Name,
		&account.UserID,
		&account.IsAdmin,
		&account.Active,
		&account.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	return account, nil
}

// GetCredentials возвращает зашифрованные credentials аккаунта
// для конкретной площадки
func (r *AccountRepository) GetCredentials(accountID int, venueName string) (*models.ExchangeCredentials, error) {
	query := `
		SELECT id, account_id, venue, ciphertext, created_at
		FROM exchange_credentials
		WHERE account_id = $1 AND venue = $2`

	creds := &models.ExchangeCredentials{}
	err := r.db.QueryRow(query, accountID, venueName).Scan(
		&creds.ID,
		&creds.AccountID,
		&creds.Venue,
		&creds.Ciphertext,
		&creds.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialsNotFound
		}
		return nil, err
	}

	return creds, nil
}

// GetAllCredentials возвращает credentials аккаунта по всем площадкам
func (r *AccountRepository) GetAllCredentials(accountID int) (map[string]*models.ExchangeCredentials, error) {
	query := `
		SELECT id, account_id, venue, ciphertext, created_at
		FROM exchange_credentials
		WHERE account_id = $1`

	rows, err := r.db.Query(query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*models.ExchangeCredentials)
	for rows.Next() {
		creds := &models.ExchangeCredentials{}
		err := rows.Scan(
			&creds.ID,
			&creds.AccountID,
			&creds.Venue,
			&creds.Ciphertext,
			&creds.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		out[creds.Venue] = creds
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// UpsertCredentials сохраняет зашифрованные credentials площадки
func (r *AccountRepository) UpsertCredentials(creds *models.ExchangeCredentials) error {
	query := `
		INSERT INTO exchange_credentials (account_id, venue, ciphertext, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, venue)
		DO UPDATE SET ciphertext = EXCLUDED.ciphertext
		RETURNING id`

	creds.CreatedAt = time.Now()

	return r.db.QueryRow(query, creds.AccountID, creds.Venue, creds.Ciphertext, creds.CreatedAt).Scan(&creds.ID)
}

// GetProxies возвращает привязки прокси аккаунта
func (r *AccountRepository) GetProxies(accountID int) ([]models.ProxyAssignment, error) {
	query := `
		SELECT id, account_id, proxy_url, priority, status
		FROM proxy_assignments
		WHERE account_id = $1
		ORDER BY priority`

	rows, err := r.db.Query(query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proxies []models.ProxyAssignment
	for rows.Next() {
		var p models.ProxyAssignment
		if err := rows.Scan(&p.ID, &p.AccountID, &p.ProxyURL, &p.Priority, &p.Status); err != nil {
			return nil, err
		}
		proxies = append(proxies, p)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return proxies, nil
}

// SetProxyStatus меняет статус прокси (active, standby, burned)
func (r *AccountRepository) SetProxyStatus(proxyID int, status string) error {
	query := `UPDATE proxy_assignments SET status = $1 WHERE id = $2`

	result, err := r.db.Exec(query, status, proxyID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return errors.New("proxy assignment not found")
	}

	return nil
}

// AddAuditEntry записывает действие в журнал control plane
func (r *AccountRepository) AddAuditEntry(entry *models.AuditEntry) error {
	query := `
		INSERT INTO audit_log (user_id, action, details, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	entry.CreatedAt = time.Now()

	return r.db.QueryRow(query, entry.UserID, entry.Action, entry.Details, entry.CreatedAt).Scan(&entry.ID)
}

// GetAuditEntries возвращает последние записи журнала
func (r *AccountRepository) GetAuditEntries(limit int) ([]*models.AuditEntry, error) {
	query := `
		SELECT id, user_id, action, details, created_at
		FROM audit_log
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		entry := &models.AuditEntry{}
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Action, &entry.Details, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}
