package database

import (
	"database/sql"
	"fmt"
	stdlog "log"

	"github.com/username/royaltyledger/src/logger"
	_ "modernc.org/sqlite"
)

var DB *sql.DB

func InitDB(databasePath string) {
	db, err := sql.Open("sqlite", databasePath)
	if err != nil {
		stdlog.Fatalf("failed to open database at %s: %v", databasePath, err)
	}

	DB = db

	if _, err := DB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		stdlog.Printf("failed to enable foreign keys: %v", err)
	}

	if logger.L != nil {
		logger.L.Info("Checking database migrations", "databasePath", databasePath)
	} else {
		stdlog.Println("Checking database migrations for:", databasePath)
	}
	migrateSourceFiles()
	migrateCostEvents()

	createTableStatement := `
	CREATE TABLE IF NOT EXISTS labels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS artists (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS releases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		catalog_number TEXT,
		FOREIGN KEY(label_id) REFERENCES labels(id)
	);

	CREATE TABLE IF NOT EXISTS tracks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		release_id INTEGER NOT NULL,
		artist_id INTEGER,
		title TEXT NOT NULL,
		artist_name TEXT,
		isrc TEXT,
		FOREIGN KEY(release_id) REFERENCES releases(id)
	);
	CREATE INDEX IF NOT EXISTS idx_tracks_isrc ON tracks(isrc);

	CREATE TABLE IF NOT EXISTS platforms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE COLLATE NOCASE,
		vendor_key TEXT
	);

	CREATE TABLE IF NOT EXISTS stores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		platform_id INTEGER NOT NULL,
		name TEXT NOT NULL COLLATE NOCASE,
		FOREIGN KEY(platform_id) REFERENCES platforms(id),
		UNIQUE(platform_id, name)
	);

	CREATE TABLE IF NOT EXISTS countries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		iso2 TEXT NOT NULL UNIQUE COLLATE NOCASE,
		name TEXT
	);

	CREATE TABLE IF NOT EXISTS fx_rates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		currency TEXT NOT NULL,
		base_currency TEXT NOT NULL,
		as_of_date TEXT NOT NULL,
		rate TEXT NOT NULL,
		UNIQUE(currency, base_currency, as_of_date)
	);

	CREATE TABLE IF NOT EXISTS source_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label_id INTEGER NOT NULL,
		source_kind TEXT NOT NULL,
		period TEXT NOT NULL,
		checksum TEXT NOT NULL,
		statement_type TEXT NOT NULL DEFAULT 'final',
		path TEXT,
		ingested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		superseded_by INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY(label_id) REFERENCES labels(id),
		UNIQUE(label_id, source_kind, period, checksum)
	);

	CREATE TABLE IF NOT EXISTS canonical_rows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_file_id INTEGER NOT NULL,
		line_no INTEGER NOT NULL,
		track_artist TEXT,
		track_title TEXT,
		isrc TEXT,
		catalog_number TEXT,
		platform_name TEXT NOT NULL,
		store_name TEXT,
		country_code TEXT,
		quantity INTEGER NOT NULL,
		gross_amount TEXT NOT NULL,
		has_gross INTEGER NOT NULL DEFAULT 1,
		net_amount TEXT NOT NULL,
		currency_code TEXT NOT NULL,
		occurred_on TEXT NOT NULL,
		raw_payload TEXT,
		FOREIGN KEY(source_file_id) REFERENCES source_files(id)
	);
	CREATE INDEX IF NOT EXISTS idx_canonical_rows_source ON canonical_rows(source_file_id);

	CREATE TABLE IF NOT EXISTS canonical_meta (
		source_file_id INTEGER NOT NULL UNIQUE,
		batch_id TEXT NOT NULL,
		adapter_version TEXT NOT NULL,
		row_count INTEGER NOT NULL,
		rejected_count INTEGER NOT NULL,
		detail_columns INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(source_file_id) REFERENCES source_files(id)
	);

	CREATE TABLE IF NOT EXISTS revenue_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_file_id INTEGER NOT NULL,
		row_hash TEXT NOT NULL,
		platform_id INTEGER NOT NULL,
		store_id INTEGER,
		country_id INTEGER,
		release_id INTEGER,
		track_id INTEGER,
		currency_code TEXT NOT NULL,
		amount_original TEXT NOT NULL,
		amount_base TEXT NOT NULL,
		gross_original TEXT,
		gross_base TEXT,
		has_gross INTEGER NOT NULL DEFAULT 1,
		fx_rate_used TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		occurred_on TEXT NOT NULL,
		year INTEGER NOT NULL,
		quarter INTEGER NOT NULL,
		month INTEGER NOT NULL,
		track_artist TEXT,
		track_title TEXT,
		isrc TEXT,
		catalog_number TEXT,
		FOREIGN KEY(source_file_id) REFERENCES source_files(id),
		UNIQUE(source_file_id, row_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_revenue_events_period ON revenue_events(year, quarter);
	CREATE INDEX IF NOT EXISTS idx_revenue_events_platform ON revenue_events(platform_id, store_id);
	CREATE INDEX IF NOT EXISTS idx_revenue_events_isrc ON revenue_events(isrc);

	CREATE TABLE IF NOT EXISTS cost_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_file_id INTEGER NOT NULL,
		row_hash TEXT NOT NULL,
		platform_id INTEGER,
		description TEXT,
		currency_code TEXT NOT NULL,
		amount_original TEXT NOT NULL,
		amount_base TEXT NOT NULL,
		gross_original TEXT,
		gross_base TEXT,
		has_gross INTEGER NOT NULL DEFAULT 0,
		fx_rate_used TEXT NOT NULL,
		occurred_on TEXT NOT NULL,
		release_id INTEGER,
		track_id INTEGER,
		FOREIGN KEY(source_file_id) REFERENCES source_files(id),
		UNIQUE(source_file_id, row_hash)
	);

	CREATE TABLE IF NOT EXISTS contracts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label_id INTEGER NOT NULL,
		scope TEXT NOT NULL,
		artist_id INTEGER,
		release_id INTEGER,
		basis TEXT NOT NULL DEFAULT 'net',
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		FOREIGN KEY(label_id) REFERENCES labels(id)
	);

	CREATE TABLE IF NOT EXISTS contract_parties (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		contract_id INTEGER NOT NULL,
		payee TEXT NOT NULL,
		rate_percent TEXT NOT NULL,
		FOREIGN KEY(contract_id) REFERENCES contracts(id)
	);

	CREATE TABLE IF NOT EXISTS recoupment_accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label_id INTEGER NOT NULL,
		payee TEXT NOT NULL,
		opening_balance TEXT NOT NULL DEFAULT '0',
		FOREIGN KEY(label_id) REFERENCES labels(id),
		UNIQUE(label_id, payee)
	);

	CREATE TABLE IF NOT EXISTS recoupment_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL,
		payout_run_id INTEGER NOT NULL,
		delta TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(account_id) REFERENCES recoupment_accounts(id)
	);

	CREATE TABLE IF NOT EXISTS payout_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label_id INTEGER NOT NULL,
		period TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		base_currency TEXT NOT NULL,
		generated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		total_amount TEXT NOT NULL DEFAULT '0',
		FOREIGN KEY(label_id) REFERENCES labels(id)
	);
	CREATE INDEX IF NOT EXISTS idx_payout_runs_period ON payout_runs(label_id, period, status);

	CREATE TABLE IF NOT EXISTS payout_lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payout_run_id INTEGER NOT NULL,
		payee TEXT NOT NULL,
		contract_id INTEGER,
		gross_basis_amount TEXT NOT NULL,
		rate_applied TEXT NOT NULL,
		recoupment_applied TEXT NOT NULL,
		net_payable TEXT NOT NULL,
		FOREIGN KEY(payout_run_id) REFERENCES payout_runs(id)
	);
	`

	_, err = DB.Exec(createTableStatement)
	if err != nil {
		if logger.L != nil {
			logger.L.Error("failed to create tables", "error", err)
		}
		stdlog.Fatalf("failed to create tables: %v", err)
	}
	if logger.L != nil {
		logger.L.Info("Database tables ensured/created.")
	} else {
		stdlog.Println("Database tables ensured/created.")
	}
}

// migrateSourceFiles adds columns introduced after the first schema shipped.
func migrateSourceFiles() {
	var tableName string
	err := DB.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='source_files'").Scan(&tableName)
	if err != nil {
		if err == sql.ErrNoRows {
			return // table will be created with the full schema
		}
		stdlog.Printf("Error checking for 'source_files' table: %v", err)
		return
	}

	rows, err := DB.Query("PRAGMA table_info(source_files)")
	if err != nil {
		stdlog.Printf("Error querying table schema for 'source_files': %v", err)
		return
	}
	defer rows.Close()

	columnExists := make(map[string]bool)
	for rows.Next() {
		var cid, pk int
		var name, dataType string
		var notnullVal int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &dataType, &notnullVal, &dfltValue, &pk); err != nil {
			stdlog.Printf("Error scanning column info for 'source_files': %v", err)
			return
		}
		columnExists[name] = true
	}
	if err = rows.Err(); err != nil {
		stdlog.Printf("Error iterating over column info for 'source_files': %v", err)
		return
	}

	if _, ok := columnExists["superseded_by"]; !ok {
		if _, err := DB.Exec("ALTER TABLE source_files ADD COLUMN superseded_by INTEGER NOT NULL DEFAULT 0"); err != nil {
			stdlog.Printf("Error adding 'superseded_by' column to 'source_files': %v", err)
		} else if logger.L != nil {
			logger.L.Info("Added 'superseded_by' column to 'source_files' table")
		}
	}
	if _, ok := columnExists["statement_type"]; !ok {
		if _, err := DB.Exec("ALTER TABLE source_files ADD COLUMN statement_type TEXT NOT NULL DEFAULT 'final'"); err != nil {
			stdlog.Printf("Error adding 'statement_type' column to 'source_files': %v", err)
		} else if logger.L != nil {
			logger.L.Info("Added 'statement_type' column to 'source_files' table")
		}
	}
}

// migrateCostEvents adds the gross columns to cost ledgers created before
// refunds were netted against payout bases.
func migrateCostEvents() {
	var tableName string
	err := DB.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='cost_events'").Scan(&tableName)
	if err != nil {
		if err == sql.ErrNoRows {
			return // table will be created with the full schema
		}
		stdlog.Printf("Error checking for 'cost_events' table: %v", err)
		return
	}

	rows, err := DB.Query("PRAGMA table_info(cost_events)")
	if err != nil {
		stdlog.Printf("Error querying table schema for 'cost_events': %v", err)
		return
	}
	defer rows.Close()

	columnExists := make(map[string]bool)
	for rows.Next() {
		var cid, pk int
		var name, dataType string
		var notnullVal int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &dataType, &notnullVal, &dfltValue, &pk); err != nil {
			stdlog.Printf("Error scanning column info for 'cost_events': %v", err)
			return
		}
		columnExists[name] = true
	}
	if err = rows.Err(); err != nil {
		stdlog.Printf("Error iterating over column info for 'cost_events': %v", err)
		return
	}

	for column, definition := range map[string]string{
		"gross_original": "TEXT",
		"gross_base":     "TEXT",
		"has_gross":      "INTEGER NOT NULL DEFAULT 0",
	} {
		if columnExists[column] {
			continue
		}
		if _, err := DB.Exec(fmt.Sprintf("ALTER TABLE cost_events ADD COLUMN %s %s", column, definition)); err != nil {
			stdlog.Printf("Error adding '%s' column to 'cost_events': %v", column, err)
		} else if logger.L != nil {
			logger.L.Info("Added column to 'cost_events' table", "column", column)
		}
	}
}
