package storage

import (
	"strings"

	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know by default.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// dialect captures the few places the three SQL engines disagree.
type dialect struct {
	name        string // database/sql driver name
	idColumn    string
	tableSuffix string
	returningID bool
	pragmas     []string
}

var (
	sqliteDialect = dialect{
		name:     "sqlite",
		idColumn: "INTEGER PRIMARY KEY AUTOINCREMENT",
		pragmas:  []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"},
	}
	postgresDialect = dialect{
		name:        "postgres",
		idColumn:    "BIGSERIAL PRIMARY KEY",
		returningID: true,
	}
	mysqlDialect = dialect{
		name:        "mysql",
		idColumn:    "BIGINT AUTO_INCREMENT PRIMARY KEY",
		tableSuffix: " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	}
)

// Timestamps are stored as unix milliseconds and booleans as 0/1 so one
// schema works on all three engines.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id {{ID}},
		code VARCHAR(64) NOT NULL UNIQUE,
		name VARCHAR(255) NOT NULL DEFAULT ''
	){{SUFFIX}}`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id {{ID}},
		tenant_id BIGINT NOT NULL,
		name VARCHAR(191) NOT NULL,
		grp VARCHAR(191) NOT NULL DEFAULT '',
		description TEXT,
		type VARCHAR(32) NOT NULL,
		cron_expr VARCHAR(191) NOT NULL DEFAULT '',
		timezone VARCHAR(64) NOT NULL DEFAULT '',
		executor_kind VARCHAR(32) NOT NULL,
		handler TEXT,
		params TEXT,
		max_retry INT NOT NULL DEFAULT 0,
		retry_backoff_ms BIGINT NOT NULL DEFAULT 0,
		retry_policy VARCHAR(32) NOT NULL DEFAULT '',
		timeout_seconds INT NOT NULL DEFAULT 0,
		enabled INT NOT NULL DEFAULT 1,
		alert_enabled INT NOT NULL DEFAULT 1,
		created_by VARCHAR(191) NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		UNIQUE (tenant_id, name)
	){{SUFFIX}}`,
	`CREATE TABLE IF NOT EXISTS task_instances (
		id {{ID}},
		task_id BIGINT NOT NULL,
		tenant_id BIGINT NOT NULL,
		instance_id VARCHAR(64) NOT NULL,
		scheduled_at BIGINT NOT NULL,
		triggered_at BIGINT NOT NULL,
		triggered_by VARCHAR(191) NOT NULL,
		status VARCHAR(32) NOT NULL,
		attempt INT NOT NULL DEFAULT 0,
		result TEXT,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		node VARCHAR(191) NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		finished_at BIGINT NULL,
		UNIQUE (tenant_id, instance_id)
	){{SUFFIX}}`,
	`CREATE TABLE IF NOT EXISTS task_retries (
		id {{ID}},
		tenant_id BIGINT NOT NULL,
		task_id BIGINT NOT NULL,
		instance_id VARCHAR(64) NOT NULL,
		retry_no INT NOT NULL,
		scheduled_at BIGINT NOT NULL,
		status VARCHAR(16) NOT NULL,
		created_at BIGINT NOT NULL
	){{SUFFIX}}`,
	`CREATE TABLE IF NOT EXISTS sched_jobs (
		job_key VARCHAR(191) PRIMARY KEY,
		task_id BIGINT NOT NULL,
		tenant_id BIGINT NOT NULL,
		tenant_code VARCHAR(64) NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL
	){{SUFFIX}}`,
	`CREATE TABLE IF NOT EXISTS sched_triggers (
		trigger_key VARCHAR(191) PRIMARY KEY,
		job_key VARCHAR(191) NOT NULL,
		task_id BIGINT NOT NULL,
		tenant_id BIGINT NOT NULL,
		tenant_code VARCHAR(64) NOT NULL DEFAULT '',
		kind VARCHAR(16) NOT NULL,
		spec VARCHAR(191) NOT NULL DEFAULT '',
		timezone VARCHAR(64) NOT NULL DEFAULT '',
		interval_ms BIGINT NOT NULL DEFAULT 0,
		fire_at BIGINT NOT NULL DEFAULT 0,
		attempt INT NOT NULL DEFAULT 0,
		retry_of VARCHAR(64) NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	){{SUFFIX}}`,
	`CREATE TABLE IF NOT EXISTS leases (
		lease_name VARCHAR(191) PRIMARY KEY,
		owner VARCHAR(64) NOT NULL,
		expires_at BIGINT NOT NULL
	){{SUFFIX}}`,
	`CREATE TABLE IF NOT EXISTS audit (
		id {{ID}},
		at BIGINT NOT NULL,
		tenant_id BIGINT NOT NULL DEFAULT 0,
		actor VARCHAR(191) NOT NULL DEFAULT '',
		action VARCHAR(64) NOT NULL,
		target VARCHAR(191) NOT NULL DEFAULT '',
		ok INT NOT NULL DEFAULT 1,
		err TEXT,
		meta TEXT
	){{SUFFIX}}`,
	`CREATE TABLE IF NOT EXISTS dedup (
		dedup_key VARCHAR(191) PRIMARY KEY,
		until_ms BIGINT NOT NULL
	){{SUFFIX}}`,
}

func (d dialect) ddl() []string {
	r := strings.NewReplacer("{{ID}}", d.idColumn, "{{SUFFIX}}", d.tableSuffix)
	out := make([]string, 0, len(schema))
	for _, stmt := range schema {
		out = append(out, r.Replace(stmt))
	}
	return out
}
