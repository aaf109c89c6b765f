package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ProviderConfig is the persisted enabled state and settings of a provider
type ProviderConfig struct {
	ID         int64
	Name       string
	Enabled    bool
	ConfigJSON string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ============================================================================
// ProviderConfig Operations
// ============================================================================

// GetProviderConfig retrieves a ProviderConfig by name.
func (s *Store) GetProviderConfig(name string) (*ProviderConfig, error) {
	const query = `
		SELECT id, name, enabled, config_json, created_at, updated_at
		FROM provider_configs WHERE name = ?
	`
	pc := &ProviderConfig{}
	err := s.db.QueryRow(query, name).Scan(
		&pc.ID, &pc.Name, &pc.Enabled, &pc.ConfigJSON, &pc.CreatedAt, &pc.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("provider config %s: %w", name, ErrNotFound)
	}
	return pc, nil
}

// ListProviderConfigs retrieves all ProviderConfigs ordered by name.
func (s *Store) ListProviderConfigs() ([]ProviderConfig, error) {
	const query = `
		SELECT id, name, enabled, config_json, created_at, updated_at
		FROM provider_configs ORDER BY name
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider configs: %w", err)
	}
	defer rows.Close()

	var configs []ProviderConfig
	for rows.Next() {
		pc := ProviderConfig{}
		if err := rows.Scan(&pc.ID, &pc.Name, &pc.Enabled,
			&pc.ConfigJSON, &pc.CreatedAt, &pc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan provider config: %w", err)
		}
		configs = append(configs, pc)
	}
	return configs, rows.Err()
}

// SetProviderEnabled sets the enabled flag of a provider, creating its
// record if needed.
func (s *Store) SetProviderEnabled(name string, enabled bool) error {
	const query = `
		INSERT INTO provider_configs (name, enabled) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET enabled = excluded.enabled, updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.Exec(query, name, enabled); err != nil {
		return fmt.Errorf("failed to set provider %s enabled: %w", name, err)
	}
	return nil
}

// SeedProviderConfigs records every named provider that has no row yet. The
// enabled flag comes from the YAML providers map; providers absent from it
// start enabled. Existing rows are left untouched.
func (s *Store) SeedProviderConfigs(names []string, yamlProviders map[string]map[string]interface{}) error {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	seeded := 0
	for _, name := range sorted {
		rawCfg := yamlProviders[name]
		enabled := true
		if rawCfg != nil {
			if e, ok := rawCfg["enabled"]; ok {
				b, isBool := e.(bool)
				enabled = isBool && b
			}
		}
		configJSON := []byte("{}")
		if rawCfg != nil {
			data, err := json.Marshal(rawCfg)
			if err != nil {
				s.logger.Warn("failed to marshal provider config for seeding", "name", name, "error", err)
				continue
			}
			configJSON = data
		}

		result, err := s.db.Exec(
			`INSERT INTO provider_configs (name, enabled, config_json) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO NOTHING`,
			name, enabled, string(configJSON),
		)
		if err != nil {
			return fmt.Errorf("failed to seed provider config %s: %w", name, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			seeded++
		}
	}

	if seeded > 0 {
		s.logger.Info("seeded provider configs", "count", seeded)
	}
	return nil
}
