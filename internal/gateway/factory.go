package gateway

import (
	"context"
	"fmt"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"copytrade-core/pkg/crypto"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/exchanges/binance/futures_usdt"
	"copytrade-core/pkg/exchanges/common"
)

// Factory builds the exchange client for an account.
type Factory func(ctx context.Context, acct db.Account) (common.Client, error)

// BinanceOptions configures BinanceFactory.
type BinanceOptions struct {
	Testnet bool
	Symbols []string
	RPS     float64
	// DryRun simulates follower writes. Masters are never wrapped.
	DryRun  bool
	Breaker BreakerConfig
	Logger  *zap.Logger
}

// BinanceFactory opens the account credential from the vault and builds a
// guarded USDT-M futures client.
func BinanceFactory(vault *crypto.Vault, opts BinanceOptions) Factory {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Breaker.FailureThreshold == 0 {
		opts.Breaker = DefaultBreakerConfig()
	}
	if opts.Breaker.OnStateChange == nil {
		opts.Breaker.OnStateChange = func(account string, from, to gobreaker.State) {
			log.Warn("⚠️ exchange circuit breaker state changed",
				zap.String("account", account), zap.String("from", from.String()), zap.String("to", to.String()))
		}
	}

	return func(ctx context.Context, acct db.Account) (common.Client, error) {
		cred, err := vault.Open(acct.CredentialRef)
		if err != nil {
			return nil, fmt.Errorf("open credential for %s: %w", acct.Name, err)
		}
		var client common.Client = futures_usdt.NewClient(futures_usdt.Config{
			APIKey:    cred.APIKey,
			APISecret: cred.APISecret,
			Testnet:   opts.Testnet,
			Symbols:   opts.Symbols,
			RPS:       opts.RPS,
			Logger:    log.With(zap.String("account", acct.Name)),
		})
		if opts.DryRun && acct.Role == db.RoleFollower {
			client = NewDryRunClient(client, log.With(zap.String("account", acct.Name)))
		}
		return NewGuardedClient(acct.Name, client, opts.Breaker), nil
	}
}

// Binance returns the underlying Binance client of c, if any.
func Binance(c common.Client) (*futures_usdt.Client, bool) {
	for {
		switch v := c.(type) {
		case *futures_usdt.Client:
			return v, true
		case *GuardedClient:
			c = v.Unwrap()
		case *DryRunClient:
			c = v.Client
		default:
			return nil, false
		}
	}
}
