/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Production persistence for single-node deployments. The same schema
  and semantics exist in store/postgres; only the SQL dialect differs.

KEY TABLES:
  events:             Lifecycle state and budget per event
  event_participants: Roster with role, UNIQUE (event_id, user_id)
  deposits:           Append-only; status pending/completed/failed
  payments:           Append-only expenses, nullable category reference
  expense_categories: Budget groupings
  payment_rules:      One active rule per event
  settlements:        Immutable, UNIQUE (event_id, user_id)

MONEY:
  Amounts are stored as decimal strings (TEXT), never floats. They are
  parsed back through shopspring/decimal so nothing is lost in transit.

ATOMICITY:
  - TransitionEvent is a single conditional UPDATE (compare-and-swap).
  - PersistSettlement inserts all records inside one transaction; the
    UNIQUE constraint rejects a second settlement run.

WAL MODE:
  Opened with WAL and foreign keys on: multiple readers don't block,
  single writer at a time, better crash recovery.

SEE ALSO:
  - ledger/store.go: Interface definition
  - store/postgres: PostgreSQL twin
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/settlement-engine/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		created_by TEXT NOT NULL,
		budget TEXT NOT NULL DEFAULT '0',
		currency TEXT NOT NULL DEFAULT 'USD',
		status TEXT NOT NULL DEFAULT 'active'
			CHECK (status IN ('active', 'settling', 'settled')),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS event_participants (
		event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member'
			CHECK (role IN ('organizer', 'member')),
		joined_at TEXT NOT NULL,
		PRIMARY KEY (event_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS expense_categories (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		budget TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_categories_event
		ON expense_categories(event_id);

	-- Append-only: rows are inserted and only the status column ever moves.
	CREATE TABLE IF NOT EXISTS deposits (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES events(id),
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'completed', 'failed')),
		intent_id TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deposits_event
		ON deposits(event_id);

	-- Append-only expense ledger.
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES events(id),
		category_id TEXT REFERENCES expense_categories(id),
		paid_by TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT NOT NULL,
		gateway_ref TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_event
		ON payments(event_id);
	CREATE INDEX IF NOT EXISTS idx_payments_category
		ON payments(category_id) WHERE category_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS payment_rules (
		event_id TEXT PRIMARY KEY REFERENCES events(id) ON DELETE CASCADE,
		max_amount TEXT NOT NULL,
		allowed_roles TEXT NOT NULL,
		approval_required INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS settlements (
		event_id TEXT NOT NULL REFERENCES events(id),
		user_id TEXT NOT NULL,
		final_share TEXT NOT NULL,
		deposited TEXT NOT NULL,
		refund TEXT NOT NULL,
		owed TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (event_id, user_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// EVENTS
// =============================================================================

func (s *Store) CreateEvent(ctx context.Context, event *ledger.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, name, description, created_by, budget, currency, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Name, event.Description, event.CreatedBy,
		event.Budget.Value.String(), event.Budget.Currency, event.Status,
		event.CreatedAt.Format(time.RFC3339Nano))
	return err
}

func (s *Store) GetEvent(ctx context.Context, eventID ledger.EventID) (*ledger.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_by, budget, currency, status, created_at
		FROM events WHERE id = ?`, eventID)
	return scanEvent(row)
}

func (s *Store) ListEvents(ctx context.Context, userID ledger.ParticipantID) ([]ledger.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.name, e.description, e.created_by, e.budget, e.currency, e.status, e.created_at
		FROM events e
		JOIN event_participants ep ON ep.event_id = e.id
		WHERE ep.user_id = ?
		ORDER BY e.created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

func (s *Store) DeleteEvent(ctx context.Context, eventID ledger.EventID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// deposits/payments/settlements don't cascade; delete explicitly.
	for _, stmt := range []string{
		`DELETE FROM settlements WHERE event_id = ?`,
		`DELETE FROM payments WHERE event_id = ?`,
		`DELETE FROM deposits WHERE event_id = ?`,
		`DELETE FROM events WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, eventID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) TransitionEvent(ctx context.Context, eventID ledger.EventID, from, to ledger.EventStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = ? WHERE id = ? AND status = ?`, to, eventID, from)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetEvent(ctx, eventID); err != nil {
			return err
		}
		return ledger.ErrStatusConflict
	}
	return nil
}

// =============================================================================
// PARTICIPANTS
// =============================================================================

func (s *Store) AddParticipant(ctx context.Context, p *ledger.Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_participants (event_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)`,
		p.EventID, p.UserID, p.Role, p.JoinedAt.Format(time.RFC3339Nano))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ledger.ErrParticipantExists
	}
	return err
}

func (s *Store) GetParticipant(ctx context.Context, eventID ledger.EventID, userID ledger.ParticipantID) (*ledger.Participant, error) {
	var p ledger.Participant
	var joinedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, user_id, role, joined_at
		FROM event_participants WHERE event_id = ? AND user_id = ?`,
		eventID, userID).Scan(&p.EventID, &p.UserID, &p.Role, &joinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrParticipantNotFound
	}
	if err != nil {
		return nil, err
	}
	p.JoinedAt, _ = time.Parse(time.RFC3339Nano, joinedAt)
	return &p, nil
}

func (s *Store) SetParticipantRole(ctx context.Context, eventID ledger.EventID, userID ledger.ParticipantID, role ledger.Role) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE event_participants SET role = ? WHERE event_id = ? AND user_id = ?`,
		role, eventID, userID)
	if err != nil {
		return err
	}
	return requireAffected(res, ledger.ErrParticipantNotFound)
}

func (s *Store) RemoveParticipant(ctx context.Context, eventID ledger.EventID, userID ledger.ParticipantID) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM event_participants WHERE event_id = ? AND user_id = ?`,
		eventID, userID)
	if err != nil {
		return err
	}
	return requireAffected(res, ledger.ErrParticipantNotFound)
}

func (s *Store) ListParticipants(ctx context.Context, eventID ledger.EventID) ([]ledger.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, user_id, role, joined_at
		FROM event_participants WHERE event_id = ? ORDER BY user_id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Participant
	for rows.Next() {
		var p ledger.Participant
		var joinedAt string
		if err := rows.Scan(&p.EventID, &p.UserID, &p.Role, &joinedAt); err != nil {
			return nil, err
		}
		p.JoinedAt, _ = time.Parse(time.RFC3339Nano, joinedAt)
		result = append(result, p)
	}
	return result, rows.Err()
}

// =============================================================================
// CATEGORIES
// =============================================================================

func (s *Store) CreateCategory(ctx context.Context, c *ledger.Category) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expense_categories (id, event_id, name, budget, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.EventID, c.Name, c.Budget.Value.String(),
		c.CreatedAt.Format(time.RFC3339Nano))
	return err
}

func (s *Store) UpdateCategory(ctx context.Context, c *ledger.Category) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE expense_categories SET name = ?, budget = ? WHERE id = ?`,
		c.Name, c.Budget.Value.String(), c.ID)
	if err != nil {
		return err
	}
	return requireAffected(res, ledger.ErrCategoryNotFound)
}

func (s *Store) DeleteCategory(ctx context.Context, categoryID ledger.CategoryID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Expenses retain their amounts; only the reference is nulled.
	if _, err := tx.ExecContext(ctx,
		`UPDATE payments SET category_id = NULL WHERE category_id = ?`, categoryID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM expense_categories WHERE id = ?`, categoryID)
	if err != nil {
		return err
	}
	if err := requireAffected(res, ledger.ErrCategoryNotFound); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListCategories(ctx context.Context, eventID ledger.EventID) ([]ledger.Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, name, budget, created_at
		FROM expense_categories WHERE event_id = ? ORDER BY created_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Category
	for rows.Next() {
		var c ledger.Category
		var budget, createdAt string
		if err := rows.Scan(&c.ID, &c.EventID, &c.Name, &budget, &createdAt); err != nil {
			return nil, err
		}
		c.Budget = ledger.Amount{Value: ledger.MustParseDecimal(budget), Currency: ledger.CurrencyUSD}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		result = append(result, c)
	}
	return result, rows.Err()
}

// =============================================================================
// LEDGER APPENDS
// =============================================================================

func (s *Store) AppendDeposit(ctx context.Context, d *ledger.Deposit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deposits (id, event_id, user_id, amount, status, intent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.EventID, d.ParticipantID, d.Amount.Value.String(),
		d.Status, d.IntentID, d.CreatedAt.Format(time.RFC3339Nano))
	return err
}

func (s *Store) GetDeposit(ctx context.Context, depositID ledger.DepositID) (*ledger.Deposit, error) {
	var d ledger.Deposit
	var amount, createdAt string
	var intentID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, user_id, amount, status, intent_id, created_at
		FROM deposits WHERE id = ?`, depositID).
		Scan(&d.ID, &d.EventID, &d.ParticipantID, &amount, &d.Status, &intentID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrDepositNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Amount = ledger.Amount{Value: ledger.MustParseDecimal(amount), Currency: ledger.CurrencyUSD}
	d.IntentID = intentID.String
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &d, nil
}

func (s *Store) SetDepositStatus(ctx context.Context, depositID ledger.DepositID, status ledger.DepositStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deposits SET status = ? WHERE id = ?`, status, depositID)
	if err != nil {
		return err
	}
	return requireAffected(res, ledger.ErrDepositNotFound)
}

func (s *Store) ListDeposits(ctx context.Context, eventID ledger.EventID) ([]ledger.Deposit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, user_id, amount, status, intent_id, created_at
		FROM deposits WHERE event_id = ? ORDER BY created_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Deposit
	for rows.Next() {
		var d ledger.Deposit
		var amount, createdAt string
		var intentID sql.NullString
		if err := rows.Scan(&d.ID, &d.EventID, &d.ParticipantID, &amount, &d.Status, &intentID, &createdAt); err != nil {
			return nil, err
		}
		d.Amount = ledger.Amount{Value: ledger.MustParseDecimal(amount), Currency: ledger.CurrencyUSD}
		d.IntentID = intentID.String
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *Store) AppendExpense(ctx context.Context, e *ledger.Expense) error {
	var categoryID any
	if e.CategoryID != nil {
		categoryID = string(*e.CategoryID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, event_id, category_id, paid_by, amount, description, gateway_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventID, categoryID, e.PaidBy, e.Amount.Value.String(),
		e.Description, e.GatewayRef, e.CreatedAt.Format(time.RFC3339Nano))
	return err
}

func (s *Store) ListExpenses(ctx context.Context, eventID ledger.EventID) ([]ledger.Expense, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, category_id, paid_by, amount, description, gateway_ref, created_at
		FROM payments WHERE event_id = ? ORDER BY created_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Expense
	for rows.Next() {
		var e ledger.Expense
		var amount, createdAt string
		var categoryID, gatewayRef sql.NullString
		if err := rows.Scan(&e.ID, &e.EventID, &categoryID, &e.PaidBy, &amount, &e.Description, &gatewayRef, &createdAt); err != nil {
			return nil, err
		}
		if categoryID.Valid {
			id := ledger.CategoryID(categoryID.String)
			e.CategoryID = &id
		}
		e.Amount = ledger.Amount{Value: ledger.MustParseDecimal(amount), Currency: ledger.CurrencyUSD}
		e.GatewayRef = gatewayRef.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		result = append(result, e)
	}
	return result, rows.Err()
}

// =============================================================================
// PAYMENT RULES
// =============================================================================

func (s *Store) SetRule(ctx context.Context, rule *ledger.PaymentRule) error {
	roles := make([]string, len(rule.AllowedRoles))
	for i, r := range rule.AllowedRoles {
		roles[i] = string(r)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_rules (event_id, max_amount, allowed_roles, approval_required)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			max_amount = excluded.max_amount,
			allowed_roles = excluded.allowed_roles,
			approval_required = excluded.approval_required`,
		rule.EventID, rule.MaxAmount.Value.String(),
		strings.Join(roles, ","), boolToInt(rule.ApprovalRequired))
	return err
}

func (s *Store) GetRule(ctx context.Context, eventID ledger.EventID) (*ledger.PaymentRule, error) {
	var maxAmount, allowedRoles string
	var approvalRequired int
	err := s.db.QueryRowContext(ctx, `
		SELECT max_amount, allowed_roles, approval_required
		FROM payment_rules WHERE event_id = ?`, eventID).
		Scan(&maxAmount, &allowedRoles, &approvalRequired)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}

	rule := &ledger.PaymentRule{
		EventID:          eventID,
		MaxAmount:        ledger.Amount{Value: ledger.MustParseDecimal(maxAmount), Currency: ledger.CurrencyUSD},
		ApprovalRequired: approvalRequired != 0,
	}
	for _, r := range strings.Split(allowedRoles, ",") {
		if r != "" {
			rule.AllowedRoles = append(rule.AllowedRoles, ledger.Role(r))
		}
	}
	return rule, nil
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func (s *Store) PersistSettlement(ctx context.Context, eventID ledger.EventID, results []ledger.SettlementResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM settlements WHERE event_id = ?`, eventID).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		return ledger.ErrSettlementExists
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, r := range results {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settlements (event_id, user_id, final_share, deposited, refund, owed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			eventID, r.ParticipantID, r.FinalShare.Value.String(),
			r.Deposited.Value.String(), r.Refund.Value.String(),
			r.Owed.Value.String(), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListSettlements(ctx context.Context, eventID ledger.EventID) ([]ledger.SettlementResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, final_share, deposited, refund, owed
		FROM settlements WHERE event_id = ? ORDER BY user_id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.SettlementResult
	for rows.Next() {
		var r ledger.SettlementResult
		var finalShare, deposited, refund, owed string
		if err := rows.Scan(&r.ParticipantID, &finalShare, &deposited, &refund, &owed); err != nil {
			return nil, err
		}
		r.FinalShare = ledger.Amount{Value: ledger.MustParseDecimal(finalShare), Currency: ledger.CurrencyUSD}
		r.Deposited = ledger.Amount{Value: ledger.MustParseDecimal(deposited), Currency: ledger.CurrencyUSD}
		r.Refund = ledger.Amount{Value: ledger.MustParseDecimal(refund), Currency: ledger.CurrencyUSD}
		r.Owed = ledger.Amount{Value: ledger.MustParseDecimal(owed), Currency: ledger.CurrencyUSD}
		result = append(result, r)
	}
	return result, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*ledger.Event, error) {
	var e ledger.Event
	var budget, currency, createdAt string
	var description sql.NullString
	err := row.Scan(&e.ID, &e.Name, &description, &e.CreatedBy, &budget, &currency, &e.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Description = description.String
	e.Budget = ledger.Amount{Value: ledger.MustParseDecimal(budget), Currency: ledger.Currency(currency)}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &e, nil
}

func requireAffected(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
