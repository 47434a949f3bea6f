package main

import (
	"flag"
	"fmt"
	"log"

	"copytrade-core/internal/api"
	"copytrade-core/pkg/crypto"
)

// Prints values for the secret environment variables.
//
// Usage:
//
//	go run ./scripts/secrets -key            # MASTER_ENCRYPTION_KEY
//	go run ./scripts/secrets -password s3cr3t  # ADMIN_PASSWORD_HASH
func main() {
	genKey := flag.Bool("key", false, "generate a base64 32-byte credential vault key")
	password := flag.String("password", "", "bcrypt-hash an admin password")
	flag.Parse()

	if !*genKey && *password == "" {
		flag.Usage()
		return
	}
	if *genKey {
		key, err := crypto.GenerateKey()
		if err != nil {
			log.Fatalf("generate key: %v", err)
		}
		fmt.Printf("MASTER_ENCRYPTION_KEY=%s\n", key)
	}
	if *password != "" {
		hash, err := api.HashPassword(*password)
		if err != nil {
			log.Fatalf("hash password: %v", err)
		}
		fmt.Printf("ADMIN_PASSWORD_HASH='%s'\n", hash)
	}
}
