// Package store provides ledger.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/settlement-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.Store with maps. Safe for concurrent use.
type Memory struct {
	mu           sync.RWMutex
	events       map[ledger.EventID]ledger.Event
	participants map[ledger.EventID]map[ledger.ParticipantID]ledger.Participant
	categories   map[ledger.CategoryID]ledger.Category
	deposits     map[ledger.DepositID]ledger.Deposit
	expenses     map[ledger.EventID][]ledger.Expense
	rules        map[ledger.EventID]ledger.PaymentRule
	settlements  map[ledger.EventID][]ledger.SettlementResult
}

func NewMemory() *Memory {
	return &Memory{
		events:       make(map[ledger.EventID]ledger.Event),
		participants: make(map[ledger.EventID]map[ledger.ParticipantID]ledger.Participant),
		categories:   make(map[ledger.CategoryID]ledger.Category),
		deposits:     make(map[ledger.DepositID]ledger.Deposit),
		expenses:     make(map[ledger.EventID][]ledger.Expense),
		rules:        make(map[ledger.EventID]ledger.PaymentRule),
		settlements:  make(map[ledger.EventID][]ledger.SettlementResult),
	}
}

// =============================================================================
// EVENTS
// =============================================================================

func (m *Memory) CreateEvent(_ context.Context, event *ledger.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.ID] = *event
	return nil
}

func (m *Memory) GetEvent(_ context.Context, eventID ledger.EventID) (*ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	event, ok := m.events[eventID]
	if !ok {
		return nil, ledger.ErrEventNotFound
	}
	return &event, nil
}

func (m *Memory) ListEvents(_ context.Context, userID ledger.ParticipantID) ([]ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.Event
	for id, event := range m.events {
		if _, ok := m.participants[id][userID]; ok {
			result = append(result, event)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) DeleteEvent(_ context.Context, eventID ledger.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; !ok {
		return ledger.ErrEventNotFound
	}
	delete(m.events, eventID)
	delete(m.participants, eventID)
	delete(m.expenses, eventID)
	delete(m.rules, eventID)
	delete(m.settlements, eventID)
	for id, c := range m.categories {
		if c.EventID == eventID {
			delete(m.categories, id)
		}
	}
	for id, d := range m.deposits {
		if d.EventID == eventID {
			delete(m.deposits, id)
		}
	}
	return nil
}

// TransitionEvent is the compare-and-swap status move: it succeeds only
// when the current status matches 'from'.
func (m *Memory) TransitionEvent(_ context.Context, eventID ledger.EventID, from, to ledger.EventStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.events[eventID]
	if !ok {
		return ledger.ErrEventNotFound
	}
	if event.Status != from {
		return ledger.ErrStatusConflict
	}
	event.Status = to
	m.events[eventID] = event
	return nil
}

// =============================================================================
// PARTICIPANTS
// =============================================================================

func (m *Memory) AddParticipant(_ context.Context, p *ledger.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[p.EventID]; !ok {
		return ledger.ErrEventNotFound
	}
	roster, ok := m.participants[p.EventID]
	if !ok {
		roster = make(map[ledger.ParticipantID]ledger.Participant)
		m.participants[p.EventID] = roster
	}
	if _, exists := roster[p.UserID]; exists {
		return ledger.ErrParticipantExists
	}
	roster[p.UserID] = *p
	return nil
}

func (m *Memory) GetParticipant(_ context.Context, eventID ledger.EventID, userID ledger.ParticipantID) (*ledger.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[eventID][userID]
	if !ok {
		return nil, ledger.ErrParticipantNotFound
	}
	return &p, nil
}

func (m *Memory) SetParticipantRole(_ context.Context, eventID ledger.EventID, userID ledger.ParticipantID, role ledger.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[eventID][userID]
	if !ok {
		return ledger.ErrParticipantNotFound
	}
	p.Role = role
	m.participants[eventID][userID] = p
	return nil
}

func (m *Memory) RemoveParticipant(_ context.Context, eventID ledger.EventID, userID ledger.ParticipantID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.participants[eventID][userID]; !ok {
		return ledger.ErrParticipantNotFound
	}
	delete(m.participants[eventID], userID)
	return nil
}

func (m *Memory) ListParticipants(_ context.Context, eventID ledger.EventID) ([]ledger.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.Participant, 0, len(m.participants[eventID]))
	for _, p := range m.participants[eventID] {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

// =============================================================================
// CATEGORIES
// =============================================================================

func (m *Memory) CreateCategory(_ context.Context, c *ledger.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[c.EventID]; !ok {
		return ledger.ErrEventNotFound
	}
	m.categories[c.ID] = *c
	return nil
}

// UpdateCategory changes name and budget only; event binding and
// creation time are immutable, matching the SQL backends.
func (m *Memory) UpdateCategory(_ context.Context, c *ledger.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.categories[c.ID]
	if !ok {
		return ledger.ErrCategoryNotFound
	}
	existing.Name = c.Name
	existing.Budget = c.Budget
	m.categories[c.ID] = existing
	return nil
}

func (m *Memory) DeleteCategory(_ context.Context, categoryID ledger.CategoryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cat, ok := m.categories[categoryID]
	if !ok {
		return ledger.ErrCategoryNotFound
	}
	// Expenses keep their amounts; only the category reference is nulled.
	expenses := m.expenses[cat.EventID]
	for i := range expenses {
		if expenses[i].CategoryID != nil && *expenses[i].CategoryID == categoryID {
			expenses[i].CategoryID = nil
		}
	}
	delete(m.categories, categoryID)
	return nil
}

func (m *Memory) ListCategories(_ context.Context, eventID ledger.EventID) ([]ledger.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.Category
	for _, c := range m.categories {
		if c.EventID == eventID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// LEDGER APPENDS
// =============================================================================

func (m *Memory) AppendDeposit(_ context.Context, d *ledger.Deposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[d.EventID]; !ok {
		return ledger.ErrEventNotFound
	}
	m.deposits[d.ID] = *d
	return nil
}

func (m *Memory) GetDeposit(_ context.Context, depositID ledger.DepositID) (*ledger.Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deposits[depositID]
	if !ok {
		return nil, ledger.ErrDepositNotFound
	}
	return &d, nil
}

func (m *Memory) SetDepositStatus(_ context.Context, depositID ledger.DepositID, status ledger.DepositStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deposits[depositID]
	if !ok {
		return ledger.ErrDepositNotFound
	}
	d.Status = status
	m.deposits[depositID] = d
	return nil
}

func (m *Memory) ListDeposits(_ context.Context, eventID ledger.EventID) ([]ledger.Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.Deposit
	for _, d := range m.deposits {
		if d.EventID == eventID {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *Memory) AppendExpense(_ context.Context, e *ledger.Expense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.EventID]; !ok {
		return ledger.ErrEventNotFound
	}
	m.expenses[e.EventID] = append(m.expenses[e.EventID], *e)
	return nil
}

func (m *Memory) ListExpenses(_ context.Context, eventID ledger.EventID) ([]ledger.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.Expense, len(m.expenses[eventID]))
	copy(result, m.expenses[eventID])
	return result, nil
}

// =============================================================================
// PAYMENT RULES
// =============================================================================

func (m *Memory) SetRule(_ context.Context, rule *ledger.PaymentRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[rule.EventID]; !ok {
		return ledger.ErrEventNotFound
	}
	m.rules[rule.EventID] = *rule
	return nil
}

func (m *Memory) GetRule(_ context.Context, eventID ledger.EventID) (*ledger.PaymentRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rule, ok := m.rules[eventID]
	if !ok {
		return nil, ledger.ErrRuleNotFound
	}
	return &rule, nil
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// PersistSettlement writes all records atomically; a partial write is
// never visible.
func (m *Memory) PersistSettlement(_ context.Context, eventID ledger.EventID, results []ledger.SettlementResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; !ok {
		return ledger.ErrEventNotFound
	}
	if len(m.settlements[eventID]) > 0 {
		return ledger.ErrSettlementExists
	}
	records := make([]ledger.SettlementResult, len(results))
	copy(records, results)
	m.settlements[eventID] = records
	return nil
}

func (m *Memory) ListSettlements(_ context.Context, eventID ledger.EventID) ([]ledger.SettlementResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.SettlementResult, len(m.settlements[eventID]))
	copy(result, m.settlements[eventID])
	return result, nil
}

func (m *Memory) Close() error { return nil }
