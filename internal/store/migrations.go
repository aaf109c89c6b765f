package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE collections (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL UNIQUE,
					created DATETIME NOT NULL
				);

				CREATE TABLE folders (
					id TEXT PRIMARY KEY,
					parent_id TEXT NOT NULL,
					parent_type TEXT NOT NULL,
					name TEXT NOT NULL,
					meta TEXT NOT NULL DEFAULT '{}',
					created DATETIME NOT NULL,
					updated DATETIME NOT NULL,
					UNIQUE(parent_id, parent_type, name)
				);

				CREATE TABLE items (
					id TEXT PRIMARY KEY,
					folder_id TEXT NOT NULL,
					name TEXT NOT NULL,
					meta TEXT NOT NULL DEFAULT '{}',
					created DATETIME NOT NULL,
					updated DATETIME NOT NULL,
					UNIQUE(folder_id, name),
					FOREIGN KEY(folder_id) REFERENCES folders(id)
				);

				CREATE TABLE files (
					id TEXT PRIMARY KEY,
					item_id TEXT NOT NULL,
					name TEXT NOT NULL,
					size INTEGER NOT NULL DEFAULT 0,
					mime_type TEXT NOT NULL DEFAULT '',
					link_url TEXT NOT NULL DEFAULT '',
					asset_path TEXT NOT NULL DEFAULT '',
					sha256 TEXT NOT NULL DEFAULT '',
					created DATETIME NOT NULL,
					UNIQUE(item_id, name),
					FOREIGN KEY(item_id) REFERENCES items(id)
				);

				CREATE INDEX idx_folders_identifier ON folders(json_extract(meta, '$.identifier'));
				CREATE INDEX idx_folders_name ON folders(name);
				CREATE INDEX idx_files_link_url ON files(link_url);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE users (
					id TEXT PRIMARY KEY,
					email TEXT NOT NULL UNIQUE,
					first_name TEXT NOT NULL DEFAULT '',
					last_name TEXT NOT NULL DEFAULT '',
					created DATETIME NOT NULL
				);

				CREATE TABLE tales (
					id TEXT PRIMARY KEY,
					creator_id TEXT NOT NULL DEFAULT '',
					doc TEXT NOT NULL,
					created DATETIME NOT NULL,
					updated DATETIME NOT NULL
				);

				CREATE TABLE versions (
					id TEXT PRIMARY KEY,
					tale_id TEXT NOT NULL,
					name TEXT NOT NULL,
					doc TEXT NOT NULL,
					created DATETIME NOT NULL,
					updated DATETIME NOT NULL,
					UNIQUE(tale_id, name),
					FOREIGN KEY(tale_id) REFERENCES tales(id)
				);

				CREATE TABLE runs (
					id TEXT PRIMARY KEY,
					version_id TEXT NOT NULL,
					name TEXT NOT NULL,
					doc TEXT NOT NULL,
					created DATETIME NOT NULL,
					updated DATETIME NOT NULL,
					UNIQUE(version_id, name),
					FOREIGN KEY(version_id) REFERENCES versions(id)
				);
			`,
		},
		{
			version: 3,
			sql: `
				CREATE TABLE provider_configs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL UNIQUE,
					enabled BOOLEAN NOT NULL DEFAULT 1,
					config_json TEXT NOT NULL DEFAULT '{}',
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Debug("running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
