package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrade-core/pkg/crypto"
	"copytrade-core/pkg/db"
)

const seedYAML = `
accounts:
  - name: alpha
    role: master
    credential_ref: env:ALPHA
  - name: beta
    role: FOLLOWER
    leverage: 5
    risk_percentage: 10
    credential_ref: env:BETA
links:
  - master: alpha
    follower: beta
    copy_percentage: 50
`

func TestApplySeedIsIdempotent(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	t.Cleanup(func() { database.Close() })

	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))
	file, err := LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, file.Accounts, 2)

	ctx := context.Background()
	vault := crypto.NewVault(nil)
	res, err := ApplySeed(ctx, database, vault, file)
	require.NoError(t, err)
	assert.Equal(t, SeedResult{Accounts: 2, Links: 1}, res)

	res, err = ApplySeed(ctx, database, vault, file)
	require.NoError(t, err)
	assert.Equal(t, SeedResult{}, res)

	q := database.Queries()
	beta, err := q.GetAccountByName(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, db.RoleFollower, beta.Role)
	assert.Equal(t, 5, beta.Leverage)

	alpha, err := q.GetAccountByName(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 10, alpha.Leverage)

	links, err := q.ListCopyLinks(ctx, true)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, alpha.ID, links[0].MasterID)
	assert.InDelta(t, 50.0, links[0].CopyPercentage, 1e-9)
	assert.InDelta(t, 1.0, links[0].RiskMultiplier, 1e-9)
}

func TestApplySeedRollsBackOnUnknownLinkAccount(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	t.Cleanup(func() { database.Close() })

	file := &SeedFile{
		Accounts: []AccountInput{{Name: "alpha", Role: db.RoleMaster, CredentialRef: "env:ALPHA"}},
		Links:    []SeedLink{{Master: "alpha", Follower: "ghost"}},
	}
	_, err = ApplySeed(context.Background(), database, crypto.NewVault(nil), file)
	require.Error(t, err)

	accounts, err := database.Queries().ListAccounts(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}
