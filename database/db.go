package database

import (
	"database/sql"
	"log"
	"sync"

	"github.com/leadline-hq/leadline/cache"

	"github.com/leadline-hq/leadline/config"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		ca, errCache := cache.NewCache()
		if errCache != nil {
			// The engine runs fine without the cache, reads just hit postgres.
			log.Printf("cache unavailable, continuing without it: %v", errCache)
			ca = nil
		}
		instance = &Datasource{Conn: con, Cache: ca}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = createCampaignTable(db)
	if err != nil {
		return nil, err
	}
	err = createLeadTable(db)
	if err != nil {
		return nil, err
	}
	err = createAccountSessionTable(db)
	if err != nil {
		return nil, err
	}
	err = createWorkflowJobTable(db)
	if err != nil {
		return nil, err
	}
	err = createInviteBudgetTable(db)
	if err != nil {
		return nil, err
	}
	err = createJobSignalTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// createCampaignTable creates a PostgreSQL table for the Campaign struct
func createCampaignTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS campaigns (
			id SERIAL PRIMARY KEY,
			campaign_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			invite_note TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating campaigns table: %v", err)
	}
	return err
}

// createLeadTable creates a PostgreSQL table for the Lead struct
func createLeadTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS leads (
			id SERIAL PRIMARY KEY,
			lead_id TEXT NOT NULL UNIQUE,
			campaign_id TEXT NOT NULL REFERENCES campaigns(campaign_id),
			profile_url TEXT NOT NULL,
			display_name TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			invite_status TEXT NOT NULL DEFAULT 'none',
			invite_sent_at TIMESTAMP,
			retry_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_leads_campaign_eligibility
			ON leads (campaign_id, id)
			WHERE status = 'completed' AND invite_status IN ('none', 'failed')
	`)
	if err != nil {
		log.Printf("Error creating leads table: %v", err)
	}
	return err
}

// createAccountSessionTable creates a PostgreSQL table for the AccountSession struct
func createAccountSessionTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS account_sessions (
			id SERIAL PRIMARY KEY,
			account_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			cookies JSONB,
			local_storage JSONB,
			session_storage JSONB,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating account_sessions table: %v", err)
	}
	return err
}

// createWorkflowJobTable creates a PostgreSQL table for the WorkflowJob struct.
// The partial unique index is what enforces the one-active-job-per-account
// invariant; CreateJob relies on it racing safely.
func createWorkflowJobTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_jobs (
			id SERIAL PRIMARY KEY,
			job_id TEXT NOT NULL UNIQUE,
			campaign_id TEXT NOT NULL REFERENCES campaigns(campaign_id),
			account_id TEXT NOT NULL REFERENCES account_sessions(account_id),
			status TEXT NOT NULL DEFAULT 'queued',
			total_leads INT NOT NULL DEFAULT 0,
			processed_leads INT NOT NULL DEFAULT 0,
			sent_leads INT NOT NULL DEFAULT 0,
			skipped_leads INT NOT NULL DEFAULT 0,
			failed_leads INT NOT NULL DEFAULT 0,
			last_lead_id TEXT,
			paused_reason TEXT,
			error_message TEXT,
			results JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			started_at TIMESTAMP,
			paused_at TIMESTAMP,
			completed_at TIMESTAMP,
			heartbeat_at TIMESTAMP
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_job_per_account
			ON workflow_jobs (account_id)
			WHERE status IN ('queued', 'processing')
	`)
	if err != nil {
		log.Printf("Error creating workflow_jobs table: %v", err)
	}
	return err
}

// createInviteBudgetTable creates a PostgreSQL table for the InviteBudget struct
func createInviteBudgetTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS invite_budgets (
			account_id TEXT NOT NULL REFERENCES account_sessions(account_id),
			day TEXT NOT NULL,
			sent_count INT NOT NULL DEFAULT 0,
			daily_limit INT NOT NULL,
			PRIMARY KEY (account_id, day)
		)
	`)
	if err != nil {
		log.Printf("Error creating invite_budgets table: %v", err)
	}
	return err
}

// createJobSignalTable creates a PostgreSQL table for control signals. One row
// per job carries the latest signal so a runner attaching after a signal was
// published still observes it.
func createJobSignalTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS job_signals (
			job_id TEXT PRIMARY KEY REFERENCES workflow_jobs(job_id),
			kind TEXT NOT NULL,
			issued_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating job_signals table: %v", err)
	}
	return err
}
