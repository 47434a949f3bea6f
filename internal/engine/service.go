// Package engine runs one MasterMonitor per master account and exposes the
// administrative surface used by the API layer.
package engine

import (
	"context"

	"copytrade-core/pkg/db"
)

// Service is what the API layer may do to the engine.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	StartMonitoring(ctx context.Context, masterID string) error
	StopMonitoring(ctx context.Context, masterID string) error

	AddAccount(ctx context.Context, in AccountInput) (*db.Account, error)
	RemoveAccount(ctx context.Context, id string) error
	AddLink(ctx context.Context, link db.CopyLink) (*db.CopyLink, error)
	RemoveLink(ctx context.Context, id string) error

	Status() Status
}

// ReadOnlyDB is the query side used by the API layer. *db.Queries
// satisfies it.
type ReadOnlyDB interface {
	ListAccounts(ctx context.Context, activeOnly bool) ([]db.Account, error)
	ListCopyLinks(ctx context.Context, activeOnly bool) ([]db.CopyLink, error)
	ListTrades(ctx context.Context, accountID string, limit int) ([]db.Trade, error)
	ListSystemLogs(ctx context.Context, level db.LogLevel, limit int) ([]db.SystemLog, error)
}

var (
	_ Service    = (*Engine)(nil)
	_ ReadOnlyDB = (*db.Queries)(nil)
)
