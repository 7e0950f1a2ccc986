package earnings

import (
	"context"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
)

// Ledger keeps driver aggregates. Credit reports false when orderID was
// already credited.
type Ledger interface {
	Credit(ctx context.Context, driverID, orderID string, amount models.Money, at time.Time) (bool, error)
	Get(ctx context.Context, driverID string) (models.DriverEarnings, error)
}

type account struct {
	total, pending models.Money
	today          models.Money
	todayDate      string
	deliveries     int64
}

type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[string]*account
	credited map[string]struct{}
	now      func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts: make(map[string]*account),
		credited: make(map[string]struct{}),
		now:      time.Now,
	}
}

func (m *MemoryLedger) Credit(_ context.Context, driverID, orderID string, amount models.Money, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credited[orderID]; ok {
		return false, nil
	}
	m.credited[orderID] = struct{}{}
	a := m.account(driverID)
	day := dayKey(at)
	if a.todayDate != day {
		a.today, a.todayDate = 0, day
	}
	a.total += amount
	a.pending += amount
	a.today += amount
	a.deliveries++
	return true, nil
}

func (m *MemoryLedger) Get(_ context.Context, driverID string) (models.DriverEarnings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.account(driverID)
	e := models.DriverEarnings{DriverID: driverID, Total: a.total, Pending: a.pending, Deliveries: a.deliveries}
	if a.todayDate == dayKey(m.now()) {
		e.Today = a.today
	}
	return e, nil
}

func (m *MemoryLedger) account(driverID string) *account {
	a, ok := m.accounts[driverID]
	if !ok {
		a = &account{}
		m.accounts[driverID] = a
	}
	return a
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }
