package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidAccount  = errors.New("invalid account")
	ErrInvalidCopyLink = errors.New("invalid copy link")
	ErrInvalidTrade    = errors.New("invalid trade")
	ErrReplicaChain    = errors.New("replica may only reference a master trade")
)

const (
	accountColumns = `id, name, credential_ref, role, leverage, risk_percentage, is_active,
		cached_balance, balance_updated_at, created_at, updated_at`
	linkColumns  = `id, master_id, follower_id, copy_percentage, risk_multiplier, is_active, created_at, updated_at`
	tradeColumns = `id, account_id, symbol, side, order_type, quantity, price, stop_price, take_profit_price,
		status, exchange_order_id, copied_from_master, master_trade_id, exchange_time, created_at, updated_at`
)

// Queries runs statements against either the pool or a transaction.
type Queries struct {
	ext sqlx.ExtContext
}

func now() time.Time {
	return time.Now().UTC()
}

// --- Accounts ---

// CreateAccount validates and inserts a, filling ID and timestamps when empty.
func (q *Queries) CreateAccount(ctx context.Context, a *Account) error {
	if a == nil {
		return ErrInvalidAccount
	}
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" || a.CredentialRef == "" || !a.Role.Valid() {
		return fmt.Errorf("%w: name, credential_ref and role are required", ErrInvalidAccount)
	}
	if a.Leverage < 1 || a.Leverage > 125 {
		return fmt.Errorf("%w: leverage %d out of range", ErrInvalidAccount, a.Leverage)
	}
	if a.RiskPercentage < 0 || a.RiskPercentage > 100 {
		return fmt.Errorf("%w: risk_percentage %v out of range", ErrInvalidAccount, a.RiskPercentage)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	ts := now()
	a.CreatedAt, a.UpdatedAt = ts, ts

	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO accounts (id, name, credential_ref, role, leverage, risk_percentage, is_active, created_at, updated_at)
		VALUES (:id, :name, :credential_ref, :role, :leverage, :risk_percentage, :is_active, :created_at, :updated_at)`, a)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetAccount returns the account with id or ErrNotFound.
func (q *Queries) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	err := sqlx.GetContext(ctx, q.ext, &a, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &a, nil
}

// GetAccountByName returns the account with name or ErrNotFound.
func (q *Queries) GetAccountByName(ctx context.Context, name string) (*Account, error) {
	var a Account
	err := sqlx.GetContext(ctx, q.ext, &a, `SELECT `+accountColumns+` FROM accounts WHERE name = ?`, strings.TrimSpace(name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account by name: %w", err)
	}
	return &a, nil
}

// ListAccounts returns accounts ordered by creation time.
func (q *Queries) ListAccounts(ctx context.Context, activeOnly bool) ([]Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at, id`

	var out []Account
	if err := sqlx.SelectContext(ctx, q.ext, &out, query); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return out, nil
}

// SetAccountActive toggles the active flag.
func (q *Queries) SetAccountActive(ctx context.Context, id string, active bool) error {
	res, err := q.ext.ExecContext(ctx, `UPDATE accounts SET is_active = ?, updated_at = ? WHERE id = ?`, active, now(), id)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return expectRow(res)
}

// UpdateCachedBalance stores the latest balance observed for an account.
func (q *Queries) UpdateCachedBalance(ctx context.Context, id string, balance float64, at time.Time) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE accounts SET cached_balance = ?, balance_updated_at = ? WHERE id = ?`, balance, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("update cached balance: %w", err)
	}
	return expectRow(res)
}

// --- Copy links ---

// ValidateCopyLink checks the scaling parameters of l.
func ValidateCopyLink(l CopyLink) error {
	if l.MasterID == "" || l.FollowerID == "" {
		return fmt.Errorf("%w: master_id and follower_id are required", ErrInvalidCopyLink)
	}
	if l.MasterID == l.FollowerID {
		return fmt.Errorf("%w: master and follower must differ", ErrInvalidCopyLink)
	}
	if l.CopyPercentage <= 0 || l.CopyPercentage > 100 {
		return fmt.Errorf("%w: copy_percentage %v must be in (0,100]", ErrInvalidCopyLink, l.CopyPercentage)
	}
	if l.RiskMultiplier <= 0 {
		return fmt.Errorf("%w: risk_multiplier %v must be positive", ErrInvalidCopyLink, l.RiskMultiplier)
	}
	return nil
}

// CreateCopyLink validates roles and parameters, then inserts l.
func (q *Queries) CreateCopyLink(ctx context.Context, l *CopyLink) error {
	if l == nil {
		return ErrInvalidCopyLink
	}
	if err := ValidateCopyLink(*l); err != nil {
		return err
	}
	master, err := q.GetAccount(ctx, l.MasterID)
	if err != nil {
		return fmt.Errorf("%w: master %s: %v", ErrInvalidCopyLink, l.MasterID, err)
	}
	follower, err := q.GetAccount(ctx, l.FollowerID)
	if err != nil {
		return fmt.Errorf("%w: follower %s: %v", ErrInvalidCopyLink, l.FollowerID, err)
	}
	if master.Role != RoleMaster || follower.Role != RoleFollower {
		return fmt.Errorf("%w: link must go from a MASTER to a FOLLOWER", ErrInvalidCopyLink)
	}

	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	ts := now()
	l.CreatedAt, l.UpdatedAt = ts, ts
	_, err = sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO copy_links (id, master_id, follower_id, copy_percentage, risk_multiplier, is_active, created_at, updated_at)
		VALUES (:id, :master_id, :follower_id, :copy_percentage, :risk_multiplier, :is_active, :created_at, :updated_at)`, l)
	if err != nil {
		return fmt.Errorf("insert copy link: %w", err)
	}
	return nil
}

// ListCopyLinks returns all links, optionally only active ones.
func (q *Queries) ListCopyLinks(ctx context.Context, activeOnly bool) ([]CopyLink, error) {
	query := `SELECT ` + linkColumns + ` FROM copy_links`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at, id`

	var out []CopyLink
	if err := sqlx.SelectContext(ctx, q.ext, &out, query); err != nil {
		return nil, fmt.Errorf("list copy links: %w", err)
	}
	return out, nil
}

// ListActiveLinksForMaster returns active links whose follower account is active too.
func (q *Queries) ListActiveLinksForMaster(ctx context.Context, masterID string) ([]CopyLink, error) {
	var out []CopyLink
	err := sqlx.SelectContext(ctx, q.ext, &out, `
		SELECT l.id, l.master_id, l.follower_id, l.copy_percentage, l.risk_multiplier, l.is_active, l.created_at, l.updated_at
		FROM copy_links l
		JOIN accounts f ON f.id = l.follower_id
		WHERE l.master_id = ? AND l.is_active = 1 AND f.is_active = 1
		ORDER BY l.created_at, l.id`, masterID)
	if err != nil {
		return nil, fmt.Errorf("list links for master: %w", err)
	}
	return out, nil
}

// SetCopyLinkActive toggles the active flag of a link.
func (q *Queries) SetCopyLinkActive(ctx context.Context, id string, active bool) error {
	res, err := q.ext.ExecContext(ctx, `UPDATE copy_links SET is_active = ?, updated_at = ? WHERE id = ?`, active, now(), id)
	if err != nil {
		return fmt.Errorf("update copy link: %w", err)
	}
	return expectRow(res)
}

// --- Trades ---

// InsertTrade inserts t unless a row with the same (account_id, exchange_order_id)
// exists. It reports whether a row was written.
func (q *Queries) InsertTrade(ctx context.Context, t *Trade) (bool, error) {
	if t == nil || t.AccountID == "" || t.ExchangeOrderID == "" || t.Symbol == "" {
		return false, fmt.Errorf("%w: account_id, exchange_order_id and symbol are required", ErrInvalidTrade)
	}
	if t.Side != "BUY" && t.Side != "SELL" {
		return false, fmt.Errorf("%w: side %q", ErrInvalidTrade, t.Side)
	}
	if t.Status.Rank() < 0 {
		return false, fmt.Errorf("%w: status %q", ErrInvalidTrade, t.Status)
	}
	if t.MasterTradeID != nil {
		parent, err := q.GetTrade(ctx, *t.MasterTradeID)
		if err != nil {
			return false, fmt.Errorf("%w: master trade %s: %v", ErrReplicaChain, *t.MasterTradeID, err)
		}
		if parent.CopiedFromMaster {
			return false, ErrReplicaChain
		}
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	ts := now()
	t.CreatedAt, t.UpdatedAt = ts, ts
	if t.ExchangeTime.IsZero() {
		t.ExchangeTime = ts
	}
	t.ExchangeTime = t.ExchangeTime.UTC()

	res, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES (:id, :account_id, :symbol, :side, :order_type, :quantity, :price, :stop_price, :take_profit_price,
			:status, :exchange_order_id, :copied_from_master, :master_trade_id, :exchange_time, :created_at, :updated_at)
		ON CONFLICT(account_id, exchange_order_id) DO NOTHING`, t)
	if err != nil {
		return false, fmt.Errorf("insert trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert trade rows affected: %w", err)
	}
	return n == 1, nil
}

// GetTrade returns the trade with id or ErrNotFound.
func (q *Queries) GetTrade(ctx context.Context, id string) (*Trade, error) {
	var t Trade
	err := sqlx.GetContext(ctx, q.ext, &t, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query trade: %w", err)
	}
	return &t, nil
}

// GetTradeByExchangeOrderID looks a trade up by its idempotency key.
func (q *Queries) GetTradeByExchangeOrderID(ctx context.Context, accountID, exchangeOrderID string) (*Trade, error) {
	var t Trade
	err := sqlx.GetContext(ctx, q.ext, &t,
		`SELECT `+tradeColumns+` FROM trades WHERE account_id = ? AND exchange_order_id = ?`, accountID, exchangeOrderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query trade by exchange order: %w", err)
	}
	return &t, nil
}

// UpdateTradeProgress moves a trade to status with quantity, and to price
// when price is positive. Transitions that would regress the status or
// reopen a terminal row are ignored; the returned bool reports whether the
// row changed.
func (q *Queries) UpdateTradeProgress(ctx context.Context, id string, status TradeStatus, quantity, price float64) (bool, error) {
	if status.Rank() < 0 {
		return false, fmt.Errorf("%w: status %q", ErrInvalidTrade, status)
	}
	res, err := q.ext.ExecContext(ctx, `
		UPDATE trades SET status = ?, quantity = ?, price = CASE WHEN ? > 0 THEN ? ELSE price END, updated_at = ?
		WHERE id = ?
		  AND status NOT IN ('FILLED','CANCELLED','REJECTED')
		  AND (CASE status WHEN 'PENDING' THEN 0 WHEN 'PARTIALLY_FILLED' THEN 1 ELSE 2 END) <= ?
		  AND (status <> ? OR quantity <> ?)`,
		status, quantity, price, price, now(), id, status.Rank(), status, quantity)
	if err != nil {
		return false, fmt.Errorf("update trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update trade rows affected: %w", err)
	}
	return n == 1, nil
}

// ListReplicas returns every replica of a master trade.
func (q *Queries) ListReplicas(ctx context.Context, masterTradeID string) ([]Trade, error) {
	var out []Trade
	err := sqlx.SelectContext(ctx, q.ext, &out,
		`SELECT `+tradeColumns+` FROM trades WHERE master_trade_id = ? ORDER BY created_at, id`, masterTradeID)
	if err != nil {
		return nil, fmt.Errorf("list replicas: %w", err)
	}
	return out, nil
}

// ListOpenReplicas returns PENDING/PARTIALLY_FILLED replicas of a master trade.
func (q *Queries) ListOpenReplicas(ctx context.Context, masterTradeID string) ([]Trade, error) {
	var out []Trade
	err := sqlx.SelectContext(ctx, q.ext, &out, `SELECT `+tradeColumns+` FROM trades
		WHERE master_trade_id = ? AND status IN ('PENDING','PARTIALLY_FILLED')
		ORDER BY created_at, id`, masterTradeID)
	if err != nil {
		return nil, fmt.Errorf("list open replicas: %w", err)
	}
	return out, nil
}

// CountReplicas counts replicas of a master trade regardless of status.
func (q *Queries) CountReplicas(ctx context.Context, masterTradeID string) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q.ext, &n, `SELECT COUNT(*) FROM trades WHERE master_trade_id = ?`, masterTradeID); err != nil {
		return 0, fmt.Errorf("count replicas: %w", err)
	}
	return n, nil
}

// HasReplica reports whether follower already holds a replica of the master trade.
func (q *Queries) HasReplica(ctx context.Context, masterTradeID, followerID string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, q.ext, &n,
		`SELECT COUNT(*) FROM trades WHERE master_trade_id = ? AND account_id = ?`, masterTradeID, followerID)
	if err != nil {
		return false, fmt.Errorf("has replica: %w", err)
	}
	return n > 0, nil
}

// FindReplicaCandidates returns open replicas on the given followers matching
// symbol and side whose exchange time falls within [from, to].
func (q *Queries) FindReplicaCandidates(ctx context.Context, followerIDs []string, symbol, side string, from, to time.Time) ([]Trade, error) {
	if len(followerIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+tradeColumns+` FROM trades
		WHERE account_id IN (?) AND symbol = ? AND side = ? AND copied_from_master = 1
		  AND status IN ('PENDING','PARTIALLY_FILLED')
		  AND exchange_time >= ? AND exchange_time <= ?
		ORDER BY exchange_time, id`, followerIDs, symbol, side, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("build candidate query: %w", err)
	}
	var out []Trade
	if err := sqlx.SelectContext(ctx, q.ext, &out, q.ext.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("find replica candidates: %w", err)
	}
	return out, nil
}

// SumFilledQuantity sums executed quantity of an account's own (non-replica)
// trades on symbol/side since the given time, excluding excludeID.
func (q *Queries) SumFilledQuantity(ctx context.Context, accountID, symbol, side string, since time.Time, excludeID string) (float64, error) {
	var total float64
	err := sqlx.GetContext(ctx, q.ext, &total, `
		SELECT COALESCE(SUM(quantity), 0) FROM trades
		WHERE account_id = ? AND symbol = ? AND side = ? AND copied_from_master = 0
		  AND status IN ('PARTIALLY_FILLED','FILLED','CANCELLED')
		  AND exchange_time >= ? AND id <> ?`,
		accountID, symbol, side, since.UTC(), excludeID)
	if err != nil {
		return 0, fmt.Errorf("sum filled quantity: %w", err)
	}
	return total, nil
}

// OldestOpenTradeTime returns the exchange time of the account's oldest
// non-terminal own trade. ok is false when there is none.
func (q *Queries) OldestOpenTradeTime(ctx context.Context, accountID string) (time.Time, bool, error) {
	var t Trade
	err := sqlx.GetContext(ctx, q.ext, &t, `SELECT `+tradeColumns+` FROM trades
		WHERE account_id = ? AND copied_from_master = 0 AND status IN ('PENDING','PARTIALLY_FILLED')
		ORDER BY exchange_time LIMIT 1`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("oldest open trade: %w", err)
	}
	return t.ExchangeTime, true, nil
}

// TradedSymbolsSince returns the distinct symbols of the account's own trades
// that are still open or were placed at or after since.
func (q *Queries) TradedSymbolsSince(ctx context.Context, accountID string, since time.Time) ([]string, error) {
	var out []string
	err := sqlx.SelectContext(ctx, q.ext, &out, `SELECT DISTINCT symbol FROM trades
		WHERE account_id = ? AND copied_from_master = 0
		  AND (status IN ('PENDING','PARTIALLY_FILLED') OR exchange_time >= ?)
		ORDER BY symbol`, accountID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("traded symbols: %w", err)
	}
	return out, nil
}

// ListOpenReplicasForAccount returns non-terminal replicas held by an account.
func (q *Queries) ListOpenReplicasForAccount(ctx context.Context, accountID string) ([]Trade, error) {
	var out []Trade
	err := sqlx.SelectContext(ctx, q.ext, &out, `SELECT `+tradeColumns+` FROM trades
		WHERE account_id = ? AND copied_from_master = 1 AND status IN ('PENDING','PARTIALLY_FILLED')
		ORDER BY exchange_time, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list open replicas for account: %w", err)
	}
	return out, nil
}

// ListTrades returns the most recent trades, optionally for one account.
func (q *Queries) ListTrades(ctx context.Context, accountID string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + tradeColumns + ` FROM trades`
	args := []any{}
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY exchange_time DESC, id LIMIT ?`
	args = append(args, limit)

	var out []Trade
	if err := sqlx.SelectContext(ctx, q.ext, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return out, nil
}

// --- System logs ---

// AppendSystemLog writes an audit entry.
func (q *Queries) AppendSystemLog(ctx context.Context, l *SystemLog) error {
	if l == nil || l.Message == "" {
		return errors.New("append system log: message is required")
	}
	if l.Level == "" {
		l.Level = LevelInfo
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now()
	}
	res, err := q.ext.ExecContext(ctx,
		`INSERT INTO system_logs (level, message, account_id, trade_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		l.Level, l.Message, l.AccountID, l.TradeID, l.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert system log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		l.ID = id
	}
	return nil
}

// ListSystemLogs returns the newest entries first, optionally filtered by level.
func (q *Queries) ListSystemLogs(ctx context.Context, level LogLevel, limit int) ([]SystemLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, level, message, account_id, trade_id, created_at FROM system_logs`
	args := []any{}
	if level != "" {
		query += ` WHERE level = ?`
		args = append(args, level)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var out []SystemLog
	if err := sqlx.SelectContext(ctx, q.ext, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list system logs: %w", err)
	}
	return out, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
