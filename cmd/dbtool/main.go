package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/PortNumber53/family-membership/internal/billing"
	"github.com/PortNumber53/family-membership/internal/config"
	"github.com/PortNumber53/family-membership/internal/migrations"
	"github.com/PortNumber53/family-membership/internal/pricing"
	"github.com/PortNumber53/family-membership/internal/store"
)

const usage = "Usage: %s [up|fix|force <version>|status|plans|seed-plans]"

func main() {
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	dsn, err := config.LoadDatabaseURL()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "up":
		log.Printf("Applying migrations...")
		if err := migrations.Up(db); err != nil {
			log.Fatalf("failed to apply migrations: %v", err)
		}
		log.Printf("Migrations applied successfully")

	case "fix":
		log.Printf("Attempting to fix dirty database...")
		if err := migrations.FixDirtyDatabase(db); err != nil {
			log.Fatalf("failed to fix dirty database: %v", err)
		}
		log.Printf("Database fixed successfully")

	case "force":
		if len(os.Args) < 3 {
			log.Fatalf("usage: %s force <version>", os.Args[0])
		}
		var v uint
		if _, err := fmt.Sscanf(os.Args[2], "%d", &v); err != nil {
			log.Fatalf("invalid version number: %s", os.Args[2])
		}
		log.Printf("Forcing database version to %d...", v)
		if err := migrations.ForceVersion(db, v); err != nil {
			log.Fatalf("failed to force version: %v", err)
		}
		log.Printf("Database version forced to %d", v)

	case "status":
		version, dirty, err := migrations.Status(db)
		if err != nil {
			log.Fatalf("failed to read migration status: %v", err)
		}
		log.Printf("Migration version: %d (dirty: %v)", version, dirty)

	case "plans", "seed-plans":
		st, err := store.New(db)
		if err != nil {
			log.Fatalf("failed to create store: %v", err)
		}
		if cmd == "seed-plans" {
			rules, err := config.LoadPricing()
			if err != nil {
				log.Fatalf("failed to load pricing: %v", err)
			}
			seedPlans(ctx, st, rules)
		}
		plans, err := st.ListPlans(ctx)
		if err != nil {
			log.Fatalf("failed to list plans: %v", err)
		}
		for _, p := range plans {
			fmt.Printf("%-36s  %-24s  children=%-2d  monthly=%d  yearly=%d\n", p.ID, p.Name, p.MaxChildren, p.PriceMonthly, p.PriceYearly)
		}

	default:
		log.Printf(usage, os.Args[0])
		os.Exit(1)
	}
}

func seedPlans(ctx context.Context, st *store.Store, rules pricing.Config) {
	for n := rules.MinChildren; n <= rules.MaxChildren; n++ {
		if _, err := st.EnsurePlan(ctx, billing.PlanFor(rules, n)); err != nil {
			log.Fatalf("failed to seed plan for %d children: %v", n, err)
		}
	}
	log.Printf("Seeded %d plans", rules.MaxChildren-rules.MinChildren+1)
}
