package internal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/occams"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const entityColumns = `id, schema_id, state, collect_date, is_null, create_date, COALESCE(create_user, ''), modify_date, COALESCE(modify_user, '')`

// PostgresValueStore keeps entity values in the type-sharded value tables.
type PostgresValueStore struct {
	pool dbPool
}

var _ occams.ValueStore = (*PostgresValueStore)(nil)

func NewPostgresValueStore(pool dbPool) *PostgresValueStore {
	return &PostgresValueStore{pool: pool}
}

func scanEntity(row pgx.Row) (*occams.Entity, error) {
	var e occams.Entity
	var state string
	if err := row.Scan(&e.ID, &e.SchemaID, &state, &e.CollectDate, &e.IsNull,
		&e.CreateDate, &e.CreateUser, &e.ModifyDate, &e.ModifyUser); err != nil {
		return nil, err
	}
	e.State = occams.EntityState(state)
	return &e, nil
}

func validState(state occams.EntityState) bool {
	switch state {
	case occams.StatePendingEntry, occams.StateInProgress, occams.StateComplete, occams.StateNotDone:
		return true
	}
	return false
}

func (s *PostgresValueStore) CreateEntity(ctx context.Context, schemaID int64, state occams.EntityState, collectDate *time.Time) (*occams.Entity, error) {
	return createEntity(ctx, s.pool, schemaID, state, collectDate)
}

func createEntity(ctx context.Context, q querier, schemaID int64, state occams.EntityState, collectDate *time.Time) (*occams.Entity, error) {
	if state == "" {
		state = occams.StatePendingEntry
	}
	if !validState(state) {
		return nil, occams.NewValidationError("state", fmt.Sprintf("unknown entity state %q", state))
	}
	if collectDate != nil {
		d := dateOnly(*collectDate)
		collectDate = &d
	}
	e, err := scanEntity(q.QueryRow(ctx, `INSERT INTO entity (schema_id, state, collect_date)
		VALUES ($1, $2, $3) RETURNING `+entityColumns, schemaID, string(state), collectDate))
	if err != nil {
		return nil, fmt.Errorf("insert entity: %w", err)
	}
	return e, nil
}

func (s *PostgresValueStore) GetEntity(ctx context.Context, entityID int64) (*occams.Entity, error) {
	e, err := scanEntity(s.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM entity WHERE id = $1`, entityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, occams.NewNotFoundError(occams.ErrCodeEntityNotFound, "entity", entityID)
	}
	if err != nil {
		return nil, fmt.Errorf("load entity: %w", err)
	}
	return e, nil
}

func (s *PostgresValueStore) SetState(ctx context.Context, entityID int64, state occams.EntityState) error {
	if !validState(state) {
		return occams.NewValidationError("state", fmt.Sprintf("unknown entity state %q", state))
	}
	tag, err := s.pool.Exec(ctx, `UPDATE entity SET state = $2, modify_date = now() WHERE id = $1`, entityID, string(state))
	if err != nil {
		return fmt.Errorf("update entity state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return occams.NewNotFoundError(occams.ErrCodeEntityNotFound, "entity", entityID)
	}
	return nil
}

func (s *PostgresValueStore) DeleteEntity(ctx context.Context, entityID int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM entity WHERE id = $1`, entityID)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return occams.NewNotFoundError(occams.ErrCodeEntityNotFound, "entity", entityID)
	}
	return nil
}

// entityAttributes resolves the schema an entity is bound to and returns
// its attributes keyed by normalized name. Only eav schemas keep values here.
func entityAttributes(ctx context.Context, q querier, entityID int64) (map[string]*occams.Attribute, error) {
	var schemaID int64
	var storage string
	err := q.QueryRow(ctx, `SELECT e.schema_id, s.storage FROM entity e JOIN schema s ON s.id = e.schema_id WHERE e.id = $1`,
		entityID).Scan(&schemaID, &storage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, occams.NewNotFoundError(occams.ErrCodeEntityNotFound, "entity", entityID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve entity schema: %w", err)
	}
	if occams.StorageMode(storage) != occams.StorageEAV {
		return nil, occams.NewValidationErrorCode(occams.ErrCodeUnsupportedStore, "storage",
			fmt.Sprintf("schema %d stores its data as %q", schemaID, storage))
	}
	attrs, err := loadAttributes(ctx, q, schemaID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*occams.Attribute, len(attrs))
	for _, a := range attrs {
		out[occams.NormalizeName(a.Name)] = a
	}
	return out, nil
}

func lookupAttribute(attrs map[string]*occams.Attribute, name string) (*occams.Attribute, error) {
	a, ok := attrs[occams.NormalizeName(name)]
	if !ok {
		return nil, occams.NewNotFoundError(occams.ErrCodeAttributeNotFound, "attribute", name)
	}
	return a, nil
}

func (s *PostgresValueStore) SetValue(ctx context.Context, entityID int64, attribute string, v occams.Value) error {
	return s.SetValues(ctx, entityID, map[string]occams.Value{attribute: v})
}

// SetValues checks every value first and writes nothing when any fails.
func (s *PostgresValueStore) SetValues(ctx context.Context, entityID int64, values map[string]occams.Value) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		return writeValues(ctx, tx, entityID, values)
	})
}

func writeValues(ctx context.Context, q querier, entityID int64, values map[string]occams.Value) error {
	attrs, err := entityAttributes(ctx, q, entityID)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	resolved := make([]*occams.Attribute, len(names))
	for i, name := range names {
		a, err := lookupAttribute(attrs, name)
		if err != nil {
			return err
		}
		if valueTable(a.Type) == "" {
			return occams.NewValidationErrorCode(occams.ErrCodeTypeMismatch, a.Name, "sections do not hold values")
		}
		if v := values[name]; v != nil {
			if err := checkValue(a, v); err != nil {
				return err
			}
		}
		resolved[i] = a
	}
	for i, a := range resolved {
		if err := replaceValue(ctx, q, entityID, a, values[names[i]]); err != nil {
			return err
		}
	}
	if _, err := q.Exec(ctx, `UPDATE entity SET modify_date = now() WHERE id = $1`, entityID); err != nil {
		return fmt.Errorf("touch entity: %w", err)
	}
	zap.S().Debugw("entity values written", "entity_id", entityID, "count", len(values))
	return nil
}

func replaceValue(ctx context.Context, q querier, entityID int64, a *occams.Attribute, v occams.Value) error {
	table := valueTable(a.Type)
	if _, err := q.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE entity_id = $1 AND attribute_id = $2`, table), entityID, a.ID); err != nil {
		return fmt.Errorf("clear %s: %w", a.Name, err)
	}
	if v == nil {
		return nil
	}
	items := []occams.Value{v}
	if coll, ok := v.(occams.CollectionValue); ok {
		items = coll.Items
	}
	for _, item := range items {
		if err := insertValue(ctx, q, entityID, a, item); err != nil {
			return err
		}
	}
	return nil
}

func insertValue(ctx context.Context, q querier, entityID int64, a *occams.Attribute, v occams.Value) error {
	var err error
	switch val := v.(type) {
	case occams.NumberValue:
		_, err = q.Exec(ctx, `INSERT INTO value_decimal (entity_id, attribute_id, value) VALUES ($1, $2, $3::numeric)`,
			entityID, a.ID, val.Decimal.String())
	case occams.StringValue:
		_, err = q.Exec(ctx, `INSERT INTO value_string (entity_id, attribute_id, value) VALUES ($1, $2, $3)`,
			entityID, a.ID, string(val))
	case occams.TextValue:
		_, err = q.Exec(ctx, `INSERT INTO value_text (entity_id, attribute_id, value) VALUES ($1, $2, $3)`,
			entityID, a.ID, string(val))
	case occams.DateValue:
		_, err = q.Exec(ctx, `INSERT INTO value_datetime (entity_id, attribute_id, value) VALUES ($1, $2, $3)`,
			entityID, a.ID, dateOnly(val.Time))
	case occams.DateTimeValue:
		_, err = q.Exec(ctx, `INSERT INTO value_datetime (entity_id, attribute_id, value) VALUES ($1, $2, $3)`,
			entityID, a.ID, val.Time.UTC())
	case occams.BlobValue:
		_, err = q.Exec(ctx, `INSERT INTO value_blob (entity_id, attribute_id, file_name, mime_type, value) VALUES ($1, $2, $3, $4, $5)`,
			entityID, a.ID, val.FileName, nullString(val.MimeType), val.Data)
	case occams.ChoiceValue:
		c := a.ChoiceByName(string(val))
		if c == nil {
			return occams.NewValidationError(a.Name, fmt.Sprintf("%q is not a choice of %s", string(val), a.Name))
		}
		_, err = q.Exec(ctx, `INSERT INTO value_choice (entity_id, attribute_id, value) VALUES ($1, $2, $3)`,
			entityID, a.ID, c.ID)
	default:
		return occams.NewValidationErrorCode(occams.ErrCodeTypeMismatch, a.Name, fmt.Sprintf("unsupported value %T", v))
	}
	if err != nil {
		return fmt.Errorf("insert %s value: %w", a.Name, err)
	}
	return nil
}

func (s *PostgresValueStore) GetValue(ctx context.Context, entityID int64, attribute string) (occams.Value, error) {
	attrs, err := entityAttributes(ctx, s.pool, entityID)
	if err != nil {
		return nil, err
	}
	a, err := lookupAttribute(attrs, attribute)
	if err != nil {
		return nil, err
	}
	if valueTable(a.Type) == "" {
		return nil, nil
	}
	found, err := readValues(ctx, s.pool, entityID, []*occams.Attribute{a})
	if err != nil {
		return nil, err
	}
	return found[a.Name], nil
}

func (s *PostgresValueStore) GetValues(ctx context.Context, entityID int64) (map[string]occams.Value, error) {
	attrs, err := entityAttributes(ctx, s.pool, entityID)
	if err != nil {
		return nil, err
	}
	list := make([]*occams.Attribute, 0, len(attrs))
	for _, a := range attrs {
		if valueTable(a.Type) != "" {
			list = append(list, a)
		}
	}
	return readValues(ctx, s.pool, entityID, list)
}

// valueSelects reads one table for a set of attribute ids, oldest row first.
var valueSelects = map[string]string{
	"value_decimal":  `SELECT attribute_id, value::text FROM value_decimal WHERE entity_id = $1 AND attribute_id = ANY($2) ORDER BY id`,
	"value_string":   `SELECT attribute_id, value FROM value_string WHERE entity_id = $1 AND attribute_id = ANY($2) ORDER BY id`,
	"value_text":     `SELECT attribute_id, value FROM value_text WHERE entity_id = $1 AND attribute_id = ANY($2) ORDER BY id`,
	"value_datetime": `SELECT attribute_id, value FROM value_datetime WHERE entity_id = $1 AND attribute_id = ANY($2) ORDER BY id`,
	"value_choice": `SELECT v.attribute_id, c.name FROM value_choice v JOIN choice c ON c.id = v.value
		WHERE v.entity_id = $1 AND v.attribute_id = ANY($2) ORDER BY v.id`,
	"value_blob": `SELECT attribute_id, file_name, COALESCE(mime_type, ''), value FROM value_blob
		WHERE entity_id = $1 AND attribute_id = ANY($2) ORDER BY id`,
}

// readValues returns the stored values of attrs keyed by attribute name.
// Attributes without data are absent from the map.
func readValues(ctx context.Context, q querier, entityID int64, attrs []*occams.Attribute) (map[string]occams.Value, error) {
	byTable := make(map[string][]int64)
	byID := make(map[int64]*occams.Attribute, len(attrs))
	for _, a := range attrs {
		t := valueTable(a.Type)
		byTable[t] = append(byTable[t], a.ID)
		byID[a.ID] = a
	}
	tables := make([]string, 0, len(byTable))
	for t := range byTable {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	items := make(map[int64][]occams.Value)
	for _, table := range tables {
		rows, err := q.Query(ctx, valueSelects[table], entityID, byTable[table])
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", table, err)
		}
		for rows.Next() {
			attributeID, v, err := scanStoredValue(rows, table, byID)
			if err != nil {
				rows.Close()
				return nil, err
			}
			items[attributeID] = append(items[attributeID], v)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate %s: %w", table, err)
		}
	}

	out := make(map[string]occams.Value, len(items))
	for id, vals := range items {
		a := byID[id]
		if a.IsCollection {
			out[a.Name] = occams.CollectionValue{Of: a.Type, Items: vals}
		} else {
			out[a.Name] = vals[0]
		}
	}
	return out, nil
}

func scanStoredValue(rows pgx.Rows, table string, byID map[int64]*occams.Attribute) (int64, occams.Value, error) {
	var attributeID int64
	switch table {
	case "value_decimal":
		var raw string
		if err := rows.Scan(&attributeID, &raw); err != nil {
			return 0, nil, fmt.Errorf("scan %s: %w", table, err)
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return 0, nil, occams.NewInternalError("stored number does not parse", err)
		}
		return attributeID, occams.NumberValue{Decimal: d}, nil
	case "value_string", "value_text", "value_choice":
		var raw string
		if err := rows.Scan(&attributeID, &raw); err != nil {
			return 0, nil, fmt.Errorf("scan %s: %w", table, err)
		}
		switch table {
		case "value_string":
			return attributeID, occams.StringValue(raw), nil
		case "value_text":
			return attributeID, occams.TextValue(raw), nil
		}
		return attributeID, occams.ChoiceValue(raw), nil
	case "value_datetime":
		var t time.Time
		if err := rows.Scan(&attributeID, &t); err != nil {
			return 0, nil, fmt.Errorf("scan %s: %w", table, err)
		}
		if a := byID[attributeID]; a != nil && a.Type == occams.TypeDate {
			return attributeID, occams.DateValue{Time: dateOnly(t.UTC())}, nil
		}
		return attributeID, occams.DateTimeValue{Time: t.UTC()}, nil
	case "value_blob":
		var b occams.BlobValue
		if err := rows.Scan(&attributeID, &b.FileName, &b.MimeType, &b.Data); err != nil {
			return 0, nil, fmt.Errorf("scan %s: %w", table, err)
		}
		return attributeID, b, nil
	}
	return 0, nil, fmt.Errorf("unknown value table %s", table)
}
