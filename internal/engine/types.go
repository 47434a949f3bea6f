package engine

import (
	"errors"
	"time"

	"copytrade-core/internal/gateway"
	"copytrade-core/pkg/db"
)

var (
	ErrNotRunning     = errors.New("engine is not running")
	ErrAlreadyRunning = errors.New("engine is already running")
	ErrNotMonitored   = errors.New("master is not monitored")
	ErrNotMaster      = errors.New("account is not a registered master")
)

// MonitorState is the MasterMonitor state machine.
type MonitorState string

const (
	StatePoll    MonitorState = "POLL"
	StateBackoff MonitorState = "BACKOFF"
	StateStopped MonitorState = "STOPPED"
)

// AccountInput describes an account to add. Either CredentialRef or the
// API key pair must be set; a key pair is sealed before storage.
type AccountInput struct {
	Name           string  `json:"name" yaml:"name"`
	Role           db.Role `json:"role" yaml:"role"`
	Leverage       int     `json:"leverage" yaml:"leverage"`
	RiskPercentage float64 `json:"risk_percentage" yaml:"risk_percentage"`
	APIKey         string  `json:"api_key,omitempty" yaml:"api_key"`
	APISecret      string  `json:"api_secret,omitempty" yaml:"api_secret"`
	CredentialRef  string  `json:"credential_ref,omitempty" yaml:"credential_ref"`
}

// MonitorStatus is the runtime view of one MasterMonitor.
type MonitorStatus struct {
	MasterID   string       `json:"master_id"`
	MasterName string       `json:"master_name"`
	State      MonitorState `json:"state"`
	LastCheck  time.Time    `json:"last_check"`
	LastError  string       `json:"last_error,omitempty"`
	Polls      uint64       `json:"polls"`
	Failures   uint64       `json:"failures"`
	Watermark  time.Time    `json:"watermark"`
	Processed  int          `json:"processed"`
}

// Status is the engine status reported to operators.
type Status struct {
	IsRunning          bool                 `json:"is_running"`
	InstanceID         string               `json:"instance_id"`
	StartedAt          *time.Time           `json:"started_at,omitempty"`
	DryRun             bool                 `json:"dry_run"`
	MasterCount        int                  `json:"master_count"`
	FollowerCount      int                  `json:"follower_count"`
	ActiveTaskCount    int                  `json:"active_task_count"`
	LastCheckPerMaster map[string]time.Time `json:"last_check_per_master"`
	Monitors           []MonitorStatus      `json:"monitors"`
	Gateway            gateway.Stats        `json:"gateway"`
	ServerTime         time.Time            `json:"server_time"`
}
