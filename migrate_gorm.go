// migrate_gorm.go - Run this file to test GORM migrations
// Usage: go run migrate_gorm.go

//go:build ignore

package main

import (
	"log"

	"github.com/ShariarAlamDipto/grademax-sub001/config"
	"github.com/ShariarAlamDipto/grademax-sub001/database"
)

func main() {
	log.Println("=== GORM Migration Test ===")

	if err := config.LoadENV(); err != nil {
		log.Fatal("Failed to load environment variables:", err)
	}

	store, err := database.StartGORM()
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer store.Close()

	if err := store.Init(); err != nil {
		log.Fatal("Failed to run migrations:", err)
	}

	if err := store.HealthCheck(); err != nil {
		log.Fatal("Database health check failed:", err)
	}

	log.Println("All migrations completed successfully!")
	log.Println("Tables:")
	log.Println("  - papers")
	log.Println("  - question_units")
	log.Println("  - mark_scheme_links")
	log.Println("  - worksheets")
	log.Println("  - cron_job_logs")
}
