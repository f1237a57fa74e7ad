// woprcheck verifies that every table the control plane touches exists
// in the configured Postgres database and reports which provider API
// keys are configured. Run it after migrations or before first boot in
// a new environment.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/wopr-platform/controlplane/internal/database"
)

var requiredTables = []string{
	"credit_transactions",
	"meter_events",
	"billing_period_summaries",
	"external_usage_reports",
	"rate_limit_entries",
	"circuit_breaker_state",
	"nodes",
	"bot_instances",
	"snapshots",
	"admin_audit_log",
	"user_roles",
	"customer_mappings",
	"users",
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL must be set")
	}

	db, err := database.Connect(dsn)
	if err != nil {
		log.Fatalf("Connection failed: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("Checking control plane tables...")
	var missing int
	for _, table := range requiredTables {
		exists, err := db.TableExists(ctx, table)
		switch {
		case err != nil:
			fmt.Printf("  %-28s ERROR %v\n", table, err)
			missing++
		case !exists:
			fmt.Printf("  %-28s MISSING\n", table)
			missing++
		default:
			fmt.Printf("  %-28s ok\n", table)
		}
	}

	fmt.Println("\nProvider keys:")
	providers := configuredProviders()
	if len(providers) == 0 {
		fmt.Println("  none (all provider capabilities will answer 503)")
	}
	for _, p := range providers {
		fmt.Printf("  %-28s ok\n", p)
	}

	if missing > 0 {
		fmt.Printf("\n%d of %d tables missing or unreachable\n", missing, len(requiredTables))
		os.Exit(1)
	}
	fmt.Printf("\nAll %d tables present\n", len(requiredTables))
}

// configuredProviders lists providers with a non-empty PROVIDER_KEY_<NAME>.
func configuredProviders() []string {
	var providers []string
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, "PROVIDER_KEY_") || value == "" {
			continue
		}
		providers = append(providers, strings.ToLower(strings.TrimPrefix(name, "PROVIDER_KEY_")))
	}
	sort.Strings(providers)
	return providers
}
