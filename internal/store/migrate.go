package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const schemaVersionKey = "schema_version"

// migration is one schema revision. Statements must be individually
// idempotent or tolerate re-application: the version bump and the
// statements run in one transaction, but an operator restoring an old
// database may replay any suffix of this list.
type migration struct {
	version int
	stmts   []string
}

// Revisions above the embedded baseline (version 1). Append only.
var migrations = []migration{
	{
		// Board timestamps arrived after the first deployment; rows synced
		// before this revision have no Board baseline and fall back to the
		// Primary-wins conflict policy.
		version: 2,
		stmts: []string{
			`ALTER TABLE issues ADD COLUMN board_modified_at INTEGER`,
		},
	},
	{
		// Assistant provisioning records the last agent id per project.
		version: 3,
		stmts: []string{
			`ALTER TABLE projects ADD COLUMN agent_id TEXT`,
		},
	},
}

// migrate brings the schema up to the latest version. Safe to run on every
// startup.
func (s *Store) migrate() error {
	ctx := context.Background()
	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := s.WithTx(ctx, func(q *Queries) error {
			for _, stmt := range m.stmts {
				if _, err := q.db.ExecContext(ctx, stmt); err != nil {
					// Re-running an ALTER TABLE against a column that already
					// exists is not a failure.
					if strings.Contains(err.Error(), "duplicate column") {
						continue
					}
					return fmt.Errorf("migration %d: %w", m.version, err)
				}
			}
			return q.SetMetadata(ctx, schemaVersionKey, strconv.Itoa(m.version))
		})
		if err != nil {
			return err
		}
		current = m.version
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	raw, err := s.queries.GetMetadata(ctx, schemaVersionKey)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if raw == "" {
		return 1, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", raw, err)
	}
	return v, nil
}
