package supervisor

import (
	"errors"
	"strings"
	"testing"
	"time"

	"fundingarb/internal/models"
)

func TestSafetyGuardDailyLimit(t *testing.T) {
	store := newFakeRunStore()
	guard := NewSafetyGuard(store)

	limits := models.DefaultSafetyLimits(1)
	limits.StartCooldown = 0

	for i := 0; i < limits.DailyStartLimit; i++ {
		store.seed(&models.StrategyRun{UserID: 1, Status: models.RunStatusStopped})
	}

	err := guard.Check(1, limits)
	if !errors.Is(err, ErrStartRejected) {
		t.Fatalf("err = %v, want ErrStartRejected", err)
	}
	if !strings.Contains(err.Error(), "daily_start_limit") {
		t.Errorf("message does not name the limit: %v", err)
	}

	// Другой пользователь не задет
	if err := guard.Check(2, models.DefaultSafetyLimits(2)); err != nil {
		t.Errorf("unrelated user rejected: %v", err)
	}
}

func TestSafetyGuardCooldown(t *testing.T) {
	store := newFakeRunStore()
	guard := NewSafetyGuard(store)

	store.seed(&models.StrategyRun{
		UserID:    1,
		Status:    models.RunStatusStopped,
		StartedAt: time.Now().Add(-time.Minute),
	})

	err := guard.Check(1, models.DefaultSafetyLimits(1))
	if !errors.Is(err, ErrStartRejected) || !strings.Contains(err.Error(), "start_cooldown") {
		t.Errorf("err = %v, want cooldown rejection", err)
	}

	// Cooldown истёк
	store.seed(&models.StrategyRun{
		UserID:    2,
		Status:    models.RunStatusStopped,
		StartedAt: time.Now().Add(-10 * time.Minute),
	})
	if err := guard.Check(2, models.DefaultSafetyLimits(2)); err != nil {
		t.Errorf("expired cooldown still rejects: %v", err)
	}
}

func TestSafetyGuardErrorRate(t *testing.T) {
	store := newFakeRunStore()
	guard := NewSafetyGuard(store)

	limits := models.DefaultSafetyLimits(1)
	limits.StartCooldown = 0
	limits.DailyStartLimit = 100

	// Полное окно: 5 ошибок из 10 - ровно на пороге 50%
	for i := 0; i < 5; i++ {
		store.seed(&models.StrategyRun{UserID: 1, Status: models.RunStatusError, StartedAt: time.Now().Add(-48 * time.Hour)})
	}
	for i := 0; i < 5; i++ {
		store.seed(&models.StrategyRun{UserID: 1, Status: models.RunStatusStopped, StartedAt: time.Now().Add(-48 * time.Hour)})
	}

	err := guard.Check(1, limits)
	if !errors.Is(err, ErrStartRejected) || !strings.Contains(err.Error(), "max_error_rate") {
		t.Errorf("err = %v, want error-rate rejection", err)
	}
}

func TestSafetyGuardPartialWindowPasses(t *testing.T) {
	store := newFakeRunStore()
	guard := NewSafetyGuard(store)

	limits := models.DefaultSafetyLimits(1)
	limits.StartCooldown = 0

	// Две ошибки при окне 10: история коротка, не блокируем
	for i := 0; i < 2; i++ {
		store.seed(&models.StrategyRun{UserID: 1, Status: models.RunStatusError, StartedAt: time.Now().Add(-48 * time.Hour)})
	}

	if err := guard.Check(1, limits); err != nil {
		t.Errorf("partial window rejected: %v", err)
	}
}

func TestSafetyGuardNilLimitsUseDefaults(t *testing.T) {
	store := newFakeRunStore()
	guard := NewSafetyGuard(store)

	if err := guard.Check(1, nil); err != nil {
		t.Errorf("fresh user with default limits rejected: %v", err)
	}
}
