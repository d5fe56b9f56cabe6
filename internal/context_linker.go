package internal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/occams"
	"go.uber.org/zap"
)

// PostgresContextLinker maintains the context rows binding entities to
// patients, enrollments, visits and strata.
type PostgresContextLinker struct {
	pool dbPool
}

var _ occams.ContextLinker = (*PostgresContextLinker)(nil)

func NewPostgresContextLinker(pool dbPool) *PostgresContextLinker {
	return &PostgresContextLinker{pool: pool}
}

func validExternal(external string) error {
	switch external {
	case occams.ExternalPatient, occams.ExternalEnrollment, occams.ExternalVisit, occams.ExternalStratum:
		return nil
	}
	return occams.NewValidationError("external", fmt.Sprintf("unknown owner type %q", external))
}

// Link is idempotent: linking an existing triple returns the stored row.
func (l *PostgresContextLinker) Link(ctx context.Context, external string, key int64, entityID int64) (*occams.Context, error) {
	if err := validExternal(external); err != nil {
		return nil, err
	}
	return linkEntity(ctx, l.pool, external, key, entityID)
}

func linkEntity(ctx context.Context, q querier, external string, key int64, entityID int64) (*occams.Context, error) {
	c := &occams.Context{External: external, Key: key, EntityID: entityID}
	err := q.QueryRow(ctx, `INSERT INTO context (external, key, entity_id) VALUES ($1, $2, $3)
		ON CONFLICT (external, key, entity_id) DO UPDATE SET external = EXCLUDED.external
		RETURNING id`, external, key, entityID).Scan(&c.ID)
	if err != nil {
		return nil, fmt.Errorf("link %s %d to entity %d: %w", external, key, entityID, err)
	}
	return c, nil
}

func (l *PostgresContextLinker) Unlink(ctx context.Context, external string, key int64, entityID int64) error {
	tag, err := l.pool.Exec(ctx, `DELETE FROM context WHERE external = $1 AND key = $2 AND entity_id = $3`, external, key, entityID)
	if err != nil {
		return fmt.Errorf("unlink: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return occams.NewNotFoundError(occams.ErrCodeEntityNotFound, "context", fmt.Sprintf("%s:%d:%d", external, key, entityID))
	}
	return nil
}

func (l *PostgresContextLinker) EntitiesOf(ctx context.Context, external string, key int64) ([]int64, error) {
	rows, err := l.pool.Query(ctx, `SELECT entity_id FROM context WHERE external = $1 AND key = $2 ORDER BY entity_id`, external, key)
	if err != nil {
		return nil, fmt.Errorf("query owned entities: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (l *PostgresContextLinker) OwnersOf(ctx context.Context, entityID int64) ([]occams.Context, error) {
	rows, err := l.pool.Query(ctx, `SELECT id, external, key, entity_id FROM context WHERE entity_id = $1 ORDER BY id`, entityID)
	if err != nil {
		return nil, fmt.Errorf("query owners: %w", err)
	}
	defer rows.Close()
	var out []occams.Context
	for rows.Next() {
		var c occams.Context
		if err := rows.Scan(&c.ID, &c.External, &c.Key, &c.EntityID); err != nil {
			return nil, fmt.Errorf("scan context: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteOwner drops the owner's contexts, then every entity that no other
// owner still references.
func (l *PostgresContextLinker) DeleteOwner(ctx context.Context, external string, key int64) error {
	return withTx(ctx, l.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `DELETE FROM context WHERE external = $1 AND key = $2 RETURNING entity_id`, external, key)
		if err != nil {
			return fmt.Errorf("delete contexts: %w", err)
		}
		var orphans []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan entity id: %w", err)
			}
			orphans = append(orphans, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate contexts: %w", err)
		}
		if len(orphans) == 0 {
			return nil
		}
		tag, err := tx.Exec(ctx, `DELETE FROM entity e WHERE e.id = ANY($1)
			AND NOT EXISTS (SELECT 1 FROM context c WHERE c.entity_id = e.id)`, orphans)
		if err != nil {
			return fmt.Errorf("delete orphaned entities: %w", err)
		}
		zap.S().Debugw("owner deleted", "external", external, "key", key,
			"contexts", len(orphans), "entities", tag.RowsAffected())
		return nil
	})
}
