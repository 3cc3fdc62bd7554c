package supervisor

import (
	"errors"
	"fmt"
	"time"

	"fundingarb/internal/models"
)

// ErrStartRejected - запуск отклонён лимитами безопасности.
// Сообщение называет нарушенный лимит.
var ErrStartRejected = errors.New("start rejected")

// SafetyGuard проверяет лимиты запусков перед spawn'ом
type SafetyGuard struct {
	runs RunStore
}

// NewSafetyGuard создает guard поверх хранилища запусков
func NewSafetyGuard(runs RunStore) *SafetyGuard {
	return &SafetyGuard{runs: runs}
}

// Check отклоняет запуск при нарушении любого из лимитов пользователя:
// дневной лимит, cooldown между запусками, error rate последних запусков
func (g *SafetyGuard) Check(userID int, limits *models.SafetyLimits) error {
	if limits == nil {
		limits = models.DefaultSafetyLimits(userID)
	}

	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	starts, err := g.runs.CountStartsSince(userID, dayStart)
	if err != nil {
		return fmt.Errorf("count daily starts: %w", err)
	}
	if starts >= limits.DailyStartLimit {
		return fmt.Errorf("%w: daily_start_limit %d reached", ErrStartRejected, limits.DailyStartLimit)
	}

	last, err := g.runs.LastStartAt(userID)
	if err != nil {
		return fmt.Errorf("last start: %w", err)
	}
	if last != nil && time.Since(*last) < limits.StartCooldown {
		return fmt.Errorf("%w: start_cooldown %s not elapsed since %s",
			ErrStartRejected, limits.StartCooldown, last.Format(time.RFC3339))
	}

	outcomes, err := g.runs.RecentOutcomes(userID, limits.ErrorRateWindow)
	if err != nil {
		return fmt.Errorf("recent outcomes: %w", err)
	}
	// Правило срабатывает только на полном окне: короткая история
	// не должна блокировать пользователя после пары неудач
	if len(outcomes) >= limits.ErrorRateWindow {
		var failed int
		for _, status := range outcomes {
			if status == models.RunStatusError {
				failed++
			}
		}
		rate := float64(failed) / float64(len(outcomes))
		if rate >= limits.MaxErrorRate {
			return fmt.Errorf("%w: error rate %.0f%% over last %d runs exceeds max_error_rate %.0f%%",
				ErrStartRejected, rate*100, len(outcomes), limits.MaxErrorRate*100)
		}
	}

	return nil
}
