// Package quotatest provides an in-memory quota.Store for tests
package quotatest

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
	"github.com/cuongbtq/mediaconv/internal/quota"
)

type usageKey struct {
	userID string
	day    string
}

type entryKey struct {
	jobID string
	kind  string
}

type entry struct {
	day    string
	sizeMb int
}

// MemoryStore mirrors the unique constraints of the Postgres ledger tables
type MemoryStore struct {
	mu      sync.Mutex
	usage   map[usageKey]*quota.Usage
	entries map[entryKey]entry

	// Err, when set, is returned by every call
	Err error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		usage:   map[usageKey]*quota.Usage{},
		entries: map[entryKey]entry{},
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (m *MemoryStore) DailyUsage(_ context.Context, userID string, day time.Time) (quota.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return quota.Usage{}, m.Err
	}
	if u, ok := m.usage[usageKey{userID, dayKey(day)}]; ok {
		return *u, nil
	}
	return quota.Usage{}, nil
}

func (m *MemoryStore) Consume(_ context.Context, c quota.Charge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}

	ek := entryKey{c.JobID, quota.EntryConsume}
	if _, ok := m.entries[ek]; ok {
		return domain.ErrConflict
	}

	uk := usageKey{c.UserID, dayKey(c.Day)}
	u, ok := m.usage[uk]
	if !ok {
		u = &quota.Usage{}
	}
	if u.Charged()+c.SizeMb > c.LimitMb {
		return quota.ErrLimitExceeded
	}

	u.UsedMb += c.SizeMb
	m.usage[uk] = u
	m.entries[ek] = entry{day: uk.day, sizeMb: c.SizeMb}
	return nil
}

func (m *MemoryStore) Refund(_ context.Context, userID, jobID string, sizeMb int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return 0, m.Err
	}

	consumed, ok := m.entries[entryKey{jobID, quota.EntryConsume}]
	if !ok {
		return 0, nil
	}

	rk := entryKey{jobID, quota.EntryRefund}
	if _, ok := m.entries[rk]; ok {
		return 0, domain.ErrConflict
	}

	amount := sizeMb
	if amount > consumed.sizeMb {
		amount = consumed.sizeMb
	}
	m.entries[rk] = entry{day: consumed.day, sizeMb: amount}

	u, ok := m.usage[usageKey{userID, consumed.day}]
	if !ok {
		return 0, nil
	}
	u.RefundedMb += amount
	if u.RefundedMb > u.UsedMb {
		u.RefundedMb = u.UsedMb
	}
	return amount, nil
}

// Usage returns the stored record for a user and day
func (m *MemoryStore) Usage(userID string, day time.Time) quota.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.usage[usageKey{userID, dayKey(day)}]; ok {
		return *u
	}
	return quota.Usage{}
}

// EntryCount returns how many ledger entries of kind exist for jobID (0 or 1)
func (m *MemoryStore) EntryCount(jobID, kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[entryKey{jobID, kind}]; ok {
		return 1
	}
	return 0
}

// StaticPlans resolves every user to the same plan limit
type StaticPlans struct {
	LimitMb int
	Found   bool
	Err     error
}

func (p StaticPlans) DailyQuotaMb(context.Context, string) (int, bool, error) {
	return p.LimitMb, p.Found, p.Err
}
