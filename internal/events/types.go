package events

import "time"

// Event enumerates the topics published by the replication engine.
type Event string

const (
	EventPoll          Event = "monitor.poll"
	EventMonitorState  Event = "monitor.state"
	EventMasterOrder   Event = "master.order"
	EventReplica       Event = "follower.replica"
	EventCancellation  Event = "follower.cancel"
	EventClose         Event = "follower.close"
	EventAllocation    Event = "follower.allocation"
	EventExchangeError Event = "exchange.error"
)

// Outcome of a per-follower action.
const (
	ResultOK      = "ok"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

// Poll is published after every MasterMonitor iteration.
type Poll struct {
	MasterID string        `json:"master_id"`
	Orders   int           `json:"orders"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// MonitorState is published on MasterMonitor transitions.
type MonitorState struct {
	MasterID string    `json:"master_id"`
	State    string    `json:"state"`
	At       time.Time `json:"at"`
}

// MasterOrder is published when the reconciler records a master order.
type MasterOrder struct {
	MasterID string    `json:"master_id"`
	TradeID  string    `json:"trade_id"`
	OrderID  string    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"`
	Status   string    `json:"status"`
	Quantity float64   `json:"quantity"`
	At       time.Time `json:"at"`
}

// FollowerAction describes one replication, cancellation or close attempt
// against a single follower.
type FollowerAction struct {
	MasterID   string    `json:"master_id"`
	FollowerID string    `json:"follower_id"`
	TradeID    string    `json:"trade_id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	OrderID    string    `json:"order_id,omitempty"`
	Result     string    `json:"result"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// Allocation is published for every sized follower order.
type Allocation struct {
	FollowerID string  `json:"follower_id"`
	Symbol     string  `json:"symbol"`
	Quantity   float64 `json:"quantity"`
	Fallback   bool    `json:"fallback"`
	Floored    bool    `json:"floored"`
	Capped     bool    `json:"capped"`
}

// ExchangeError is published for every classified exchange failure.
type ExchangeError struct {
	AccountID string `json:"account_id"`
	Kind      string `json:"kind"`
	Op        string `json:"op"`
}
