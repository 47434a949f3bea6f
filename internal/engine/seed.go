package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"copytrade-core/pkg/crypto"
	"copytrade-core/pkg/db"
)

// SeedLink is a copy link entry in a seed file, by account name.
type SeedLink struct {
	Master         string  `yaml:"master"`
	Follower       string  `yaml:"follower"`
	CopyPercentage float64 `yaml:"copy_percentage"`
	RiskMultiplier float64 `yaml:"risk_multiplier"`
}

// SeedFile is the top-level YAML structure of ACCOUNTS_FILE.
type SeedFile struct {
	Accounts []AccountInput `yaml:"accounts"`
	Links    []SeedLink     `yaml:"links"`
}

// SeedResult counts what a seed run created.
type SeedResult struct {
	Accounts int
	Links    int
}

// LoadSeedFile reads a seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &file, nil
}

// ApplySeed stores accounts and links that do not exist yet. Accounts are
// matched by name and links by (master, follower), so re-running a seed is
// a no-op. Accounts are not connection-tested here; Start skips those whose
// client cannot be built.
func ApplySeed(ctx context.Context, database *db.Database, vault *crypto.Vault, file *SeedFile) (SeedResult, error) {
	var res SeedResult
	err := database.WithTx(ctx, func(q *db.Queries) error {
		ids := make(map[string]string)
		for _, in := range file.Accounts {
			name := strings.TrimSpace(in.Name)
			existing, err := q.GetAccountByName(ctx, name)
			if err == nil {
				ids[name] = existing.ID
				continue
			}
			if !errors.Is(err, db.ErrNotFound) {
				return err
			}

			ref := in.CredentialRef
			if ref == "" {
				if ref, err = vault.Seal(crypto.Credential{APIKey: in.APIKey, APISecret: in.APISecret}); err != nil {
					return fmt.Errorf("account %s: %w", name, err)
				}
			}
			if in.Leverage == 0 {
				in.Leverage = 10
			}
			acct := db.Account{
				Name:           name,
				CredentialRef:  ref,
				Role:           db.Role(strings.ToUpper(string(in.Role))),
				Leverage:       in.Leverage,
				RiskPercentage: in.RiskPercentage,
				Active:         true,
			}
			if err := q.CreateAccount(ctx, &acct); err != nil {
				return fmt.Errorf("account %s: %w", name, err)
			}
			ids[name] = acct.ID
			res.Accounts++
		}

		links, err := q.ListCopyLinks(ctx, true)
		if err != nil {
			return err
		}
		have := make(map[[2]string]bool, len(links))
		for _, l := range links {
			have[[2]string{l.MasterID, l.FollowerID}] = true
		}
		for _, sl := range file.Links {
			masterID, err := seedAccountID(ctx, q, ids, sl.Master)
			if err != nil {
				return err
			}
			followerID, err := seedAccountID(ctx, q, ids, sl.Follower)
			if err != nil {
				return err
			}
			if have[[2]string{masterID, followerID}] {
				continue
			}
			link := db.CopyLink{
				MasterID:       masterID,
				FollowerID:     followerID,
				CopyPercentage: sl.CopyPercentage,
				RiskMultiplier: sl.RiskMultiplier,
				Active:         true,
			}
			if link.CopyPercentage == 0 {
				link.CopyPercentage = 100
			}
			if link.RiskMultiplier == 0 {
				link.RiskMultiplier = 1
			}
			if err := q.CreateCopyLink(ctx, &link); err != nil {
				return fmt.Errorf("link %s → %s: %w", sl.Master, sl.Follower, err)
			}
			have[[2]string{masterID, followerID}] = true
			res.Links++
		}
		return nil
	})
	if err != nil {
		return SeedResult{}, fmt.Errorf("apply seed: %w", err)
	}
	return res, nil
}

func seedAccountID(ctx context.Context, q *db.Queries, ids map[string]string, name string) (string, error) {
	name = strings.TrimSpace(name)
	if id, ok := ids[name]; ok {
		return id, nil
	}
	acct, err := q.GetAccountByName(ctx, name)
	if err != nil {
		return "", fmt.Errorf("link account %q: %w", name, err)
	}
	ids[name] = acct.ID
	return acct.ID, nil
}
