package main

import (
	"fmt"
	"log"
	"os"

	"copytrade-core/pkg/config"
	"copytrade-core/pkg/db"
)

// Verifies that the configured database has every table and the columns
// added by later migrations.
//
// Usage:
//
//	go run ./scripts/verify_schema [path]
func main() {
	dbPath := ""
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	} else {
		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		dbPath = cfg.DBPath
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	database, err := db.New(dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer database.Close()

	missing := 0
	for _, table := range []string{"accounts", "copy_links", "trades", "system_logs"} {
		var name string
		err := database.DB.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			fmt.Printf("❌ %s table MISSING\n", table)
			missing++
			continue
		}
		fmt.Printf("✓ %s table exists\n", table)
	}

	for _, column := range []string{"cached_balance", "balance_updated_at"} {
		var n int
		err := database.DB.QueryRow("SELECT COUNT(*) FROM pragma_table_info('accounts') WHERE name=?", column).Scan(&n)
		if err != nil || n == 0 {
			fmt.Printf("❌ accounts.%s column MISSING (run the engine once to migrate)\n", column)
			missing++
			continue
		}
		fmt.Printf("✓ accounts.%s column exists\n", column)
	}

	if missing > 0 {
		os.Exit(1)
	}
}
