package store

import (
	"fmt"

	"github.com/tillsync/tillsync/internal/models"
)

// ensureIndexes declares the secondary indexes the domain adapters query by,
// one partial expression index per (entity, field). Idempotent: safe to run
// on every startup. Best-effort: a failed build logs a warning and the
// affected queries fall back to a full scan; the store stays available.
func (s *SQLiteStore) ensureIndexes() {
	for _, entity := range models.RegisteredEntities() {
		for _, field := range models.IndexFields(entity) {
			if !plainFieldName(field) {
				continue
			}
			stmt := fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS idx_%s_%s
                 ON documents(json_extract(body, '$.%s'))
                 WHERE entity_type = '%s' AND winner = 1 AND deleted = 0`,
				entity, field, field, entity)
			if _, err := s.db.Exec(stmt); err != nil {
				s.logger.WithError(err).WithFields(map[string]interface{}{
					"entity": entity,
					"field":  field,
				}).Warn("Index build failed, queries degrade to full scan")
			}
		}
	}
}
