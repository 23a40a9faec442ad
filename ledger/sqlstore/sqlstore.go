// Package sqlstore persists the access ledger in SQL. Both sqlite3 and
// postgres are supported; queries are written with ? placeholders and
// rebound for the driver.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	x402 "github.com/KartikMantri/pay-per-request-prompt-x402"
	"github.com/KartikMantri/pay-per-request-prompt-x402/ledger"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

const (
	metaBalance  = "balance"
	metaOperator = "operator"
)

var ErrUnsupportedDriver = errors.New("sqlstore: unsupported driver")

// Store is a ledger.Store backed by a SQL database.
type Store struct {
	db *sqlx.DB
}

var _ ledger.Store = (*Store)(nil)

// Open connects to the database and creates the schema. For sqlite3, dsn
// is a file path.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY on upgrade.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	eventID := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.db.DriverName() == DriverPostgres {
		eventID = "id BIGSERIAL PRIMARY KEY"
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			address TEXT PRIMARY KEY,
			premium_expires_at BIGINT NOT NULL DEFAULT 0,
			credit_balance BIGINT NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS used_call_ids (
			call_id TEXT PRIMARY KEY,
			payer TEXT NOT NULL,
			used_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS redeemed_call_ids (
			call_id TEXT PRIMARY KEY,
			redeemed_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS ledger_events (
			` + eventID + `,
			kind TEXT NOT NULL,
			account TEXT NOT NULL,
			call_id TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL DEFAULT '',
			credits BIGINT NOT NULL DEFAULT 0,
			days BIGINT NOT NULL DEFAULT 0,
			expires_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_events_account ON ledger_events(account)`,

		`CREATE TABLE IF NOT EXISTS ledger_meta (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

type accountRow struct {
	Address          string `db:"address"`
	PremiumExpiresAt int64  `db:"premium_expires_at"`
	CreditBalance    int64  `db:"credit_balance"`
}

type eventRow struct {
	ID        int64  `db:"id"`
	Kind      string `db:"kind"`
	Account   string `db:"account"`
	CallID    string `db:"call_id"`
	Amount    string `db:"amount"`
	Credits   int64  `db:"credits"`
	Days      int64  `db:"days"`
	ExpiresAt int64  `db:"expires_at"`
	CreatedAt int64  `db:"created_at"`
}

func (s *Store) Account(ctx context.Context, addr common.Address) (ledger.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT address, premium_expires_at, credit_balance FROM accounts WHERE address = ?`),
		key(addr))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{Address: addr}, nil
	}
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{
		Address:          addr,
		PremiumExpiresAt: row.PremiumExpiresAt,
		CreditBalance:    uint64(row.CreditBalance),
	}, nil
}

func (s *Store) IsCallIDUsed(ctx context.Context, id x402.CallID) (bool, error) {
	return callIDUsed(ctx, s.db, id)
}

func callIDUsed(ctx context.Context, q sqlx.QueryerContext, id x402.CallID) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n, sqlx.Rebind(sqlx.BindType(driverOf(q)),
		`SELECT COUNT(*) FROM used_call_ids WHERE call_id = ?`), id.Hex())
	return n > 0, err
}

// Redeem records that a paid per-call identifier has been served. It
// reports true only for the first redemption of id, across restarts and
// across processes sharing the database.
func (s *Store) Redeem(ctx context.Context, id x402.CallID) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO redeemed_call_ids (call_id, redeemed_at) VALUES (?, ?)
		 ON CONFLICT (call_id) DO NOTHING`),
		id.Hex(), time.Now().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to redeem %s: %w", id.Hex(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Balance(ctx context.Context) (*big.Int, error) {
	value, err := s.meta(ctx, s.db, metaBalance)
	if err != nil {
		return nil, err
	}
	if value == "" {
		return new(big.Int), nil
	}
	balance, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("sqlstore: corrupt balance %q", value)
	}
	return balance, nil
}

func (s *Store) Operator(ctx context.Context) (common.Address, error) {
	value, err := s.meta(ctx, s.db, metaOperator)
	if err != nil || value == "" {
		return common.Address{}, err
	}
	return common.HexToAddress(value), nil
}

func (s *Store) Events(ctx context.Context, account *common.Address, limit int) ([]ledger.Event, error) {
	query := `SELECT id, kind, account, call_id, amount, credits, days, expires_at, created_at FROM ledger_events`
	var args []interface{}
	if account != nil {
		query += ` WHERE account = ?`
		args = append(args, key(*account))
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}

	events := make([]ledger.Event, 0, len(rows))
	for _, r := range rows {
		ev := ledger.Event{
			Seq:       uint64(r.ID),
			Kind:      ledger.EventKind(r.Kind),
			Account:   common.HexToAddress(r.Account),
			Credits:   uint64(r.Credits),
			Days:      uint64(r.Days),
			ExpiresAt: r.ExpiresAt,
			Timestamp: r.CreatedAt,
		}
		if r.CallID != "" {
			if id, err := x402.ParseCallID(r.CallID); err == nil {
				ev.CallID = id
			}
		}
		if r.Amount != "" {
			ev.Amount, _ = new(big.Int).SetString(r.Amount, 10)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Apply runs the mutation in one transaction.
func (s *Store) Apply(ctx context.Context, m ledger.Mutation) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if m.UseCallID != nil {
		used, err := callIDUsed(ctx, tx, *m.UseCallID)
		if err != nil {
			return err
		}
		if used {
			return ledger.ErrAlreadyUsed
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO used_call_ids (call_id, payer, used_at) VALUES (?, ?, ?)`),
			m.UseCallID.Hex(), key(m.Event.Account), m.Event.Timestamp)
		if err != nil {
			if isUniqueViolation(err) {
				return ledger.ErrAlreadyUsed
			}
			return err
		}
	}

	if m.Account != nil {
		_, err = tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO accounts (address, premium_expires_at, credit_balance) VALUES (?, ?, ?)
			 ON CONFLICT (address) DO UPDATE SET
			   premium_expires_at = excluded.premium_expires_at,
			   credit_balance = excluded.credit_balance`),
			key(m.Account.Address), m.Account.PremiumExpiresAt, int64(m.Account.CreditBalance))
		if err != nil {
			return err
		}
	}

	if m.BalanceDelta != nil && m.BalanceDelta.Sign() != 0 {
		current, err := s.meta(ctx, tx, metaBalance)
		if err != nil {
			return err
		}
		balance, ok := new(big.Int).SetString(current, 10)
		if !ok {
			balance = new(big.Int)
		}
		balance.Add(balance, m.BalanceDelta)
		if err := s.setMeta(ctx, tx, metaBalance, balance.String()); err != nil {
			return err
		}
	}

	if m.Operator != nil {
		if err := s.setMeta(ctx, tx, metaOperator, m.Operator.Hex()); err != nil {
			return err
		}
	}

	ev := m.Event
	var callID, amount string
	if !ev.CallID.IsZero() {
		callID = ev.CallID.Hex()
	}
	if ev.Amount != nil {
		amount = ev.Amount.String()
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO ledger_events (kind, account, call_id, amount, credits, days, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		string(ev.Kind), key(ev.Account), callID, amount, int64(ev.Credits), int64(ev.Days), ev.ExpiresAt, ev.Timestamp)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) meta(ctx context.Context, q sqlx.QueryerContext, k string) (string, error) {
	var value string
	err := sqlx.GetContext(ctx, q, &value, sqlx.Rebind(sqlx.BindType(s.db.DriverName()),
		`SELECT value FROM ledger_meta WHERE name = ?`), k)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *Store) setMeta(ctx context.Context, tx *sqlx.Tx, k, v string) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO ledger_meta (name, value) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET value = excluded.value`), k, v)
	return err
}

// key normalizes an address for storage.
func key(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func driverOf(q sqlx.QueryerContext) string {
	switch v := q.(type) {
	case *sqlx.DB:
		return v.DriverName()
	case *sqlx.Tx:
		return v.DriverName()
	}
	return DriverSQLite
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
