/*
Package postgres provides a PostgreSQL-backed implementation of ledger.Store.

PURPOSE:
  Multi-node production persistence over pgx/pgxpool. Semantically the
  twin of store/sqlite: the engine sees one Store contract with
  swappable backends instead of duplicated business logic per database.

DIALECT NOTES:
  - NUMERIC(12,2) columns for money, scanned through decimal strings
  - TransitionEvent is a conditional UPDATE (compare-and-swap)
  - PersistSettlement runs inside one pgx transaction; the UNIQUE
    constraint on (event_id, user_id) rejects a second settlement run

SEE ALSO:
  - ledger/store.go: Interface definition
  - store/sqlite: SQLite twin
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/settlement-engine/ledger"
)

// Store implements ledger.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a PostgreSQL store from a DSN and runs migrations.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		created_by TEXT NOT NULL,
		budget NUMERIC(12,2) NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'USD',
		status TEXT NOT NULL DEFAULT 'active'
			CHECK (status IN ('active', 'settling', 'settled')),
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS event_participants (
		event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member'
			CHECK (role IN ('organizer', 'member')),
		joined_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (event_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS expense_categories (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		budget NUMERIC(12,2) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_categories_event
		ON expense_categories(event_id);

	CREATE TABLE IF NOT EXISTS deposits (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES events(id),
		user_id TEXT NOT NULL,
		amount NUMERIC(12,2) NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'completed', 'failed')),
		intent_id TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deposits_event
		ON deposits(event_id);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES events(id),
		category_id TEXT REFERENCES expense_categories(id),
		paid_by TEXT NOT NULL,
		amount NUMERIC(12,2) NOT NULL,
		description TEXT NOT NULL,
		gateway_ref TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_event
		ON payments(event_id);

	CREATE TABLE IF NOT EXISTS payment_rules (
		event_id TEXT PRIMARY KEY REFERENCES events(id) ON DELETE CASCADE,
		max_amount NUMERIC(12,2) NOT NULL,
		allowed_roles TEXT NOT NULL,
		approval_required BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS settlements (
		event_id TEXT NOT NULL REFERENCES events(id),
		user_id TEXT NOT NULL,
		final_share NUMERIC(12,2) NOT NULL,
		deposited NUMERIC(12,2) NOT NULL,
		refund NUMERIC(12,2) NOT NULL,
		owed NUMERIC(12,2) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (event_id, user_id)
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// EVENTS
// =============================================================================

func (s *Store) CreateEvent(ctx context.Context, event *ledger.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, name, description, created_by, budget, currency, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.Name, event.Description, event.CreatedBy,
		event.Budget.Value.String(), event.Budget.Currency, event.Status, event.CreatedAt)
	return err
}

func (s *Store) GetEvent(ctx context.Context, eventID ledger.EventID) (*ledger.Event, error) {
	var e ledger.Event
	var budget, currency string
	var description *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, created_by, budget::text, currency, status, created_at
		FROM events WHERE id = $1`, eventID).
		Scan(&e.ID, &e.Name, &description, &e.CreatedBy, &budget, &currency, &e.Status, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	if description != nil {
		e.Description = *description
	}
	e.Budget = ledger.Amount{Value: ledger.MustParseDecimal(budget), Currency: ledger.Currency(currency)}
	return &e, nil
}

func (s *Store) ListEvents(ctx context.Context, userID ledger.ParticipantID) ([]ledger.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.name, e.description, e.created_by, e.budget::text, e.currency, e.status, e.created_at
		FROM events e
		JOIN event_participants ep ON ep.event_id = e.id
		WHERE ep.user_id = $1
		ORDER BY e.created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		var e ledger.Event
		var budget, currency string
		var description *string
		if err := rows.Scan(&e.ID, &e.Name, &description, &e.CreatedBy, &budget, &currency, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		if description != nil {
			e.Description = *description
		}
		e.Budget = ledger.Amount{Value: ledger.MustParseDecimal(budget), Currency: ledger.Currency(currency)}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) DeleteEvent(ctx context.Context, eventID ledger.EventID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		`DELETE FROM settlements WHERE event_id = $1`,
		`DELETE FROM payments WHERE event_id = $1`,
		`DELETE FROM deposits WHERE event_id = $1`,
		`DELETE FROM events WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, eventID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) TransitionEvent(ctx context.Context, eventID ledger.EventID, from, to ledger.EventStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE events SET status = $1 WHERE id = $2 AND status = $3`, to, eventID, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_participants (event_id, user_id, role, joined_at)
		VALUES ($1, $2, $3, $4)`,
		p.EventID, p.UserID, p.Role, p.JoinedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ledger.ErrParticipantExists
	}
	return err
}

func (s *Store) GetParticipant(ctx context.Context, eventID ledger.EventID, userID ledger.ParticipantID) (*ledger.Participant, error) {
	var p ledger.Participant
	err := s.pool.QueryRow(ctx, `
		SELECT event_id, user_id, role, joined_at
		FROM event_participants WHERE event_id = $1 AND user_id = $2`,
		eventID, userID).Scan(&p.EventID, &p.UserID, &p.Role, &p.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrParticipantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) SetParticipantRole(ctx context.Context, eventID ledger.EventID, userID ledger.ParticipantID, role ledger.Role) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE event_participants SET role = $1 WHERE event_id = $2 AND user_id = $3`,
		role, eventID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrParticipantNotFound
	}
	return nil
}

func (s *Store) RemoveParticipant(ctx context.Context, eventID ledger.EventID, userID ledger.ParticipantID) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM event_participants WHERE event_id = $1 AND user_id = $2`,
		eventID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrParticipantNotFound
	}
	return nil
}

func (s *Store) ListParticipants(ctx context.Context, eventID ledger.EventID) ([]ledger.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, user_id, role, joined_at
		FROM event_participants WHERE event_id = $1 ORDER BY user_id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Participant
	for rows.Next() {
		var p ledger.Participant
		if err := rows.Scan(&p.EventID, &p.UserID, &p.Role, &p.JoinedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// =============================================================================
// CATEGORIES
// =============================================================================

func (s *Store) CreateCategory(ctx context.Context, c *ledger.Category) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO expense_categories (id, event_id, name, budget, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.EventID, c.Name, c.Budget.Value.String(), c.CreatedAt)
	return err
}

func (s *Store) UpdateCategory(ctx context.Context, c *ledger.Category) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE expense_categories SET name = $1, budget = $2 WHERE id = $3`,
		c.Name, c.Budget.Value.String(), c.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrCategoryNotFound
	}
	return nil
}

func (s *Store) DeleteCategory(ctx context.Context, categoryID ledger.CategoryID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE payments SET category_id = NULL WHERE category_id = $1`, categoryID); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM expense_categories WHERE id = $1`, categoryID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrCategoryNotFound
	}
	return tx.Commit(ctx)
}

func (s *Store) ListCategories(ctx context.Context, eventID ledger.EventID) ([]ledger.Category, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, name, budget::text, created_at
		FROM expense_categories WHERE event_id = $1 ORDER BY created_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Category
	for rows.Next() {
		var c ledger.Category
		var budget string
		if err := rows.Scan(&c.ID, &c.EventID, &c.Name, &budget, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Budget = ledger.Amount{Value: ledger.MustParseDecimal(budget), Currency: ledger.CurrencyUSD}
		result = append(result, c)
	}
	return result, rows.Err()
}

// =============================================================================
// LEDGER APPENDS
// =============================================================================

func (s *Store) AppendDeposit(ctx context.Context, d *ledger.Deposit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deposits (id, event_id, user_id, amount, status, intent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.EventID, d.ParticipantID, d.Amount.Value.String(),
		d.Status, d.IntentID, d.CreatedAt)
	return err
}

func (s *Store) GetDeposit(ctx context.Context, depositID ledger.DepositID) (*ledger.Deposit, error) {
	var d ledger.Deposit
	var amount string
	var intentID *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, event_id, user_id, amount::text, status, intent_id, created_at
		FROM deposits WHERE id = $1`, depositID).
		Scan(&d.ID, &d.EventID, &d.ParticipantID, &amount, &d.Status, &intentID, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrDepositNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Amount = ledger.Amount{Value: ledger.MustParseDecimal(amount), Currency: ledger.CurrencyUSD}
	if intentID != nil {
		d.IntentID = *intentID
	}
	return &d, nil
}

func (s *Store) SetDepositStatus(ctx context.Context, depositID ledger.DepositID, status ledger.DepositStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE deposits SET status = $1 WHERE id = $2`, status, depositID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrDepositNotFound
	}
	return nil
}

func (s *Store) ListDeposits(ctx context.Context, eventID ledger.EventID) ([]ledger.Deposit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, user_id, amount::text, status, intent_id, created_at
		FROM deposits WHERE event_id = $1 ORDER BY created_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Deposit
	for rows.Next() {
		var d ledger.Deposit
		var amount string
		var intentID *string
		if err := rows.Scan(&d.ID, &d.EventID, &d.ParticipantID, &amount, &d.Status, &intentID, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Amount = ledger.Amount{Value: ledger.MustParseDecimal(amount), Currency: ledger.CurrencyUSD}
		if intentID != nil {
			d.IntentID = *intentID
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *Store) AppendExpense(ctx context.Context, e *ledger.Expense) error {
	var categoryID *string
	if e.CategoryID != nil {
		id := string(*e.CategoryID)
		categoryID = &id
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payments (id, event_id, category_id, paid_by, amount, description, gateway_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.EventID, categoryID, e.PaidBy, e.Amount.Value.String(),
		e.Description, e.GatewayRef, e.CreatedAt)
	return err
}

func (s *Store) ListExpenses(ctx context.Context, eventID ledger.EventID) ([]ledger.Expense, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, category_id, paid_by, amount::text, description, gateway_ref, created_at
		FROM payments WHERE event_id = $1 ORDER BY created_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Expense
	for rows.Next() {
		var e ledger.Expense
		var amount string
		var categoryID, gatewayRef *string
		if err := rows.Scan(&e.ID, &e.EventID, &categoryID, &e.PaidBy, &amount, &e.Description, &gatewayRef, &e.CreatedAt); err != nil {
			return nil, err
		}
		if categoryID != nil {
			id := ledger.CategoryID(*categoryID)
			e.CategoryID = &id
		}
		e.Amount = ledger.Amount{Value: ledger.MustParseDecimal(amount), Currency: ledger.CurrencyUSD}
		if gatewayRef != nil {
			e.GatewayRef = *gatewayRef
		}
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payment_rules (event_id, max_amount, allowed_roles, approval_required)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO UPDATE SET
			max_amount = EXCLUDED.max_amount,
			allowed_roles = EXCLUDED.allowed_roles,
			approval_required = EXCLUDED.approval_required`,
		rule.EventID, rule.MaxAmount.Value.String(),
		strings.Join(roles, ","), rule.ApprovalRequired)
	return err
}

func (s *Store) GetRule(ctx context.Context, eventID ledger.EventID) (*ledger.PaymentRule, error) {
	var maxAmount, allowedRoles string
	var approvalRequired bool
	err := s.pool.QueryRow(ctx, `
		SELECT max_amount::text, allowed_roles, approval_required
		FROM payment_rules WHERE event_id = $1`, eventID).
		Scan(&maxAmount, &allowedRoles, &approvalRequired)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}

	rule := &ledger.PaymentRule{
		EventID:          eventID,
		MaxAmount:        ledger.Amount{Value: ledger.MustParseDecimal(maxAmount), Currency: ledger.CurrencyUSD},
		ApprovalRequired: approvalRequired,
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var existing int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM settlements WHERE event_id = $1`, eventID).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		return ledger.ErrSettlementExists
	}

	for _, r := range results {
		if _, err := tx.Exec(ctx, `
			INSERT INTO settlements (event_id, user_id, final_share, deposited, refund, owed)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			eventID, r.ParticipantID, r.FinalShare.Value.String(),
			r.Deposited.Value.String(), r.Refund.Value.String(),
			r.Owed.Value.String()); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListSettlements(ctx context.Context, eventID ledger.EventID) ([]ledger.SettlementResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, final_share::text, deposited::text, refund::text, owed::text
		FROM settlements WHERE event_id = $1 ORDER BY user_id`, eventID)
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
