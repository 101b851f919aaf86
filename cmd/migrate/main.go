package main

import (
	"database/sql"
	"fmt"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/mesikahq/patient-index/internal/config"
)

var schema = []string{
	`CREATE SEQUENCE IF NOT EXISTS cluster_seq`,

	`CREATE TABLE IF NOT EXISTS records (
		id           TEXT PRIMARY KEY,
		source_id    TEXT NOT NULL,
		payload      JSONB NOT NULL,
		submitted_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_source ON records (source_id)`,

	`CREATE TABLE IF NOT EXISTS clusters (
		ref        TEXT PRIMARY KEY,
		seq        BIGINT NOT NULL,
		status     TEXT NOT NULL,
		version    BIGINT NOT NULL,
		payload    JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_clusters_status ON clusters (status)`,

	`CREATE TABLE IF NOT EXISTS assignments (
		record_id   TEXT PRIMARY KEY,
		cluster_ref TEXT NOT NULL REFERENCES clusters (ref)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assignments_cluster ON assignments (cluster_ref)`,
}

func main() {
	_ = godotenv.Load()

	logger := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	connString := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Name,
		cfg.Database.SSLMode,
	)

	db, err := sql.Open("postgres", connString)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open database")
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.WithError(err).Fatal("Failed to ping database")
	}

	for i, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			logger.WithError(err).WithField("statement", i).Fatal("Migration failed")
		}
	}

	logger.Info("Migrations applied")
}
