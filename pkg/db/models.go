package db

import (
	"database/sql"
	"time"
)

// Role distinguishes source accounts from destination accounts.
type Role string

const (
	RoleMaster   Role = "MASTER"
	RoleFollower Role = "FOLLOWER"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleMaster || r == RoleFollower
}

// TradeStatus is the lifecycle state of a Trade row.
type TradeStatus string

const (
	StatusPending         TradeStatus = "PENDING"
	StatusPartiallyFilled TradeStatus = "PARTIALLY_FILLED"
	StatusFilled          TradeStatus = "FILLED"
	StatusCancelled       TradeStatus = "CANCELLED"
	StatusRejected        TradeStatus = "REJECTED"
)

// Terminal reports whether no further transition is allowed.
func (s TradeStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Rank orders statuses along PENDING → PARTIALLY_FILLED → terminal.
func (s TradeStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusPartiallyFilled:
		return 1
	case StatusFilled, StatusCancelled, StatusRejected:
		return 2
	}
	return -1
}

// LogLevel is the severity of a SystemLog row.
type LogLevel string

const (
	LevelDebug   LogLevel = "DEBUG"
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
)

// Account is an exchange account managed by the engine.
type Account struct {
	ID               string       `db:"id" json:"id"`
	Name             string       `db:"name" json:"name"`
	CredentialRef    string       `db:"credential_ref" json:"-"`
	Role             Role         `db:"role" json:"role"`
	Leverage         int          `db:"leverage" json:"leverage"`
	RiskPercentage   float64      `db:"risk_percentage" json:"risk_percentage"`
	Active           bool         `db:"is_active" json:"active"`
	CachedBalance    float64      `db:"cached_balance" json:"cached_balance"`
	BalanceUpdatedAt sql.NullTime `db:"balance_updated_at" json:"-"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at" json:"updated_at"`
}

// CopyLink is a replication edge from a master to a follower.
type CopyLink struct {
	ID             string    `db:"id" json:"id"`
	MasterID       string    `db:"master_id" json:"master_id"`
	FollowerID     string    `db:"follower_id" json:"follower_id"`
	CopyPercentage float64   `db:"copy_percentage" json:"copy_percentage"`
	RiskMultiplier float64   `db:"risk_multiplier" json:"risk_multiplier"`
	Active         bool      `db:"is_active" json:"active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Trade is a master order observed on the exchange or a replica placed for a follower.
type Trade struct {
	ID               string      `db:"id" json:"id"`
	AccountID        string      `db:"account_id" json:"account_id"`
	Symbol           string      `db:"symbol" json:"symbol"`
	Side             string      `db:"side" json:"side"`
	OrderType        string      `db:"order_type" json:"order_type"`
	Quantity         float64     `db:"quantity" json:"quantity"`
	Price            float64     `db:"price" json:"price"`
	StopPrice        float64     `db:"stop_price" json:"stop_price"`
	TakeProfitPrice  float64     `db:"take_profit_price" json:"take_profit_price"`
	Status           TradeStatus `db:"status" json:"status"`
	ExchangeOrderID  string      `db:"exchange_order_id" json:"exchange_order_id"`
	CopiedFromMaster bool        `db:"copied_from_master" json:"copied_from_master"`
	MasterTradeID    *string     `db:"master_trade_id" json:"master_trade_id,omitempty"`
	ExchangeTime     time.Time   `db:"exchange_time" json:"exchange_time"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updated_at"`
}

// IsReplica reports whether the trade was placed by the engine for a follower.
func (t Trade) IsReplica() bool {
	return t.CopiedFromMaster && t.MasterTradeID != nil
}

// SystemLog is an append-only audit entry.
type SystemLog struct {
	ID        int64     `db:"id" json:"id"`
	Level     LogLevel  `db:"level" json:"level"`
	Message   string    `db:"message" json:"message"`
	AccountID *string   `db:"account_id" json:"account_id,omitempty"`
	TradeID   *string   `db:"trade_id" json:"trade_id,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// StringRef returns a pointer to s, or nil when s is empty.
func StringRef(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
