package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/occams"
	"go.uber.org/zap"
)

const schemaColumns = `id, name, title, COALESCE(description, ''), storage, publish_date, retract_date`

const attributeColumns = `id, schema_id, parent_attribute_id, name, title, COALESCE(description, ''), type,
	is_collection, is_required, is_private, is_readonly, is_system, is_shuffled, COALESCE(widget, ''),
	value_min, value_max, collection_min, collection_max, COALESCE(pattern, ''), decimal_places, "order"`

// PostgresSchemaRegistry stores schemas, attribute trees and choices in
// Postgres. Structural edits lock the schema row, apply the change to an
// in-memory attributeTree and write back every changed order value in the
// same transaction.
type PostgresSchemaRegistry struct {
	pool      dbPool
	telemetry *Telemetry
}

var _ occams.SchemaRegistry = (*PostgresSchemaRegistry)(nil)

func NewPostgresSchemaRegistry(pool dbPool, telemetry *Telemetry) *PostgresSchemaRegistry {
	return &PostgresSchemaRegistry{pool: pool, telemetry: telemetry}
}

func scanSchema(row pgx.Row) (*occams.Schema, error) {
	var s occams.Schema
	var storage string
	if err := row.Scan(&s.ID, &s.Name, &s.Title, &s.Description, &storage, &s.PublishDate, &s.RetractDate); err != nil {
		return nil, err
	}
	s.Storage = occams.StorageMode(storage)
	return &s, nil
}

func scanAttribute(row pgx.Row) (*occams.Attribute, error) {
	var a occams.Attribute
	var typ, widget string
	if err := row.Scan(&a.ID, &a.SchemaID, &a.ParentID, &a.Name, &a.Title, &a.Description, &typ,
		&a.IsCollection, &a.IsRequired, &a.IsPrivate, &a.IsReadonly, &a.IsSystem, &a.IsShuffled, &widget,
		&a.ValueMin, &a.ValueMax, &a.CollectionMin, &a.CollectionMax, &a.Pattern, &a.DecimalPlaces, &a.Order); err != nil {
		return nil, err
	}
	a.Type = occams.AttributeType(typ)
	a.Widget = occams.Widget(widget)
	return &a, nil
}

func loadSchemaRow(ctx context.Context, q querier, schemaID int64, forUpdate bool) (*occams.Schema, error) {
	query := `SELECT ` + schemaColumns + ` FROM schema WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	s, err := scanSchema(q.QueryRow(ctx, query, schemaID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, occams.NewNotFoundError(occams.ErrCodeSchemaNotFound, "schema", schemaID)
	}
	if err != nil {
		return nil, fmt.Errorf("load schema %d: %w", schemaID, err)
	}
	return s, nil
}

// loadAttributes returns the schema's attributes flat, with choices attached.
func loadAttributes(ctx context.Context, q querier, schemaID int64) ([]*occams.Attribute, error) {
	rows, err := q.Query(ctx, `SELECT `+attributeColumns+` FROM attribute WHERE schema_id = $1 ORDER BY "order", id`, schemaID)
	if err != nil {
		return nil, fmt.Errorf("query attributes: %w", err)
	}
	var attrs []*occams.Attribute
	byID := make(map[int64]*occams.Attribute)
	for rows.Next() {
		a, err := scanAttribute(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		attrs = append(attrs, a)
		byID[a.ID] = a
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attributes: %w", err)
	}

	rows, err = q.Query(ctx, `SELECT c.id, c.attribute_id, c.name, c.title, c."order"
		FROM choice c JOIN attribute a ON a.id = c.attribute_id
		WHERE a.schema_id = $1
		ORDER BY c.attribute_id, c."order"`, schemaID)
	if err != nil {
		return nil, fmt.Errorf("query choices: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c occams.Choice
		if err := rows.Scan(&c.ID, &c.AttributeID, &c.Name, &c.Title, &c.Order); err != nil {
			return nil, fmt.Errorf("scan choice: %w", err)
		}
		if a, ok := byID[c.AttributeID]; ok {
			a.Choices = append(a.Choices, &c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate choices: %w", err)
	}
	return attrs, nil
}

func loadSchema(ctx context.Context, q querier, schemaID int64) (*occams.Schema, error) {
	s, err := loadSchemaRow(ctx, q, schemaID, false)
	if err != nil {
		return nil, err
	}
	attrs, err := loadAttributes(ctx, q, schemaID)
	if err != nil {
		return nil, err
	}
	tree, err := newAttributeTree(attrs)
	if err != nil {
		return nil, occams.NewInternalError("corrupt attribute tree", err)
	}
	s.Attributes = tree.nest()
	return s, nil
}

func (r *PostgresSchemaRegistry) GetSchema(ctx context.Context, schemaID int64) (*occams.Schema, error) {
	return loadSchema(ctx, r.pool, schemaID)
}

func (r *PostgresSchemaRegistry) GetSchemaVersion(ctx context.Context, name string, publishDate time.Time) (*occams.Schema, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `SELECT id FROM schema WHERE lower(name) = lower($1) AND publish_date = $2`,
		name, dateOnly(publishDate)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, occams.NewNotFoundError(occams.ErrCodeSchemaNotFound, "schema",
			fmt.Sprintf("%s@%s", name, publishDate.Format(occams.DateLayout)))
	}
	if err != nil {
		return nil, fmt.Errorf("find schema version: %w", err)
	}
	return r.GetSchema(ctx, id)
}

// ListVersions returns the published versions of name, oldest first,
// without their attribute trees.
func (r *PostgresSchemaRegistry) ListVersions(ctx context.Context, name string) ([]*occams.Schema, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+schemaColumns+` FROM schema
		WHERE lower(name) = lower($1) AND publish_date IS NOT NULL
		ORDER BY publish_date`, name)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()
	var out []*occams.Schema
	for rows.Next() {
		s, err := scanSchema(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schema: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}

func (r *PostgresSchemaRegistry) CreateSchema(ctx context.Context, spec occams.SchemaSpec) (*occams.Schema, error) {
	if err := validateStruct(spec); err != nil {
		return nil, err
	}
	s := &occams.Schema{
		Name:        strings.TrimSpace(spec.Name),
		Title:       spec.Title,
		Description: spec.Description,
		Storage:     spec.Storage,
	}
	if s.Storage == "" {
		s.Storage = occams.StorageEAV
	}
	if err := insertSchemaRow(ctx, r.pool, s); err != nil {
		return nil, err
	}
	zap.S().Infow("schema draft created", "schema", s.Name, "id", s.ID)
	return s, nil
}

func insertSchemaRow(ctx context.Context, q querier, s *occams.Schema) error {
	err := q.QueryRow(ctx, `INSERT INTO schema (name, title, description, storage, publish_date, retract_date)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		s.Name, s.Title, nullString(s.Description), string(s.Storage), s.PublishDate, s.RetractDate).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("insert schema: %w", err)
	}
	return nil
}

func insertAttributeRow(ctx context.Context, q querier, a *occams.Attribute) error {
	err := q.QueryRow(ctx, `INSERT INTO attribute (schema_id, parent_attribute_id, name, title, description, type,
			is_collection, is_required, is_private, is_readonly, is_system, is_shuffled, widget,
			value_min, value_max, collection_min, collection_max, pattern, decimal_places, "order")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING id`,
		a.SchemaID, a.ParentID, a.Name, a.Title, nullString(a.Description), string(a.Type),
		a.IsCollection, a.IsRequired, a.IsPrivate, a.IsReadonly, a.IsSystem, a.IsShuffled, nullString(string(a.Widget)),
		a.ValueMin, a.ValueMax, a.CollectionMin, a.CollectionMax, nullString(a.Pattern), a.DecimalPlaces, a.Order,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert attribute %s: %w", a.Name, err)
	}
	return nil
}

func insertChoiceRow(ctx context.Context, q querier, c *occams.Choice) error {
	err := q.QueryRow(ctx, `INSERT INTO choice (attribute_id, name, title, "order") VALUES ($1, $2, $3, $4) RETURNING id`,
		c.AttributeID, c.Name, c.Title, c.Order).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert choice %s: %w", c.Name, err)
	}
	return nil
}

// insertTree writes a nested, unsaved attribute tree into schemaID. Orders
// are assigned 0..N-1 in pre-order and every attribute and choice receives
// its new id, schema and parent.
func insertTree(ctx context.Context, q querier, schemaID int64, roots []*occams.Attribute) error {
	order := 0
	seen := make(map[string]struct{})
	var insert func(a *occams.Attribute, parentID *int64) error
	insert = func(a *occams.Attribute, parentID *int64) error {
		if err := validateAttributeSpec(a.Spec()); err != nil {
			return err
		}
		key := occams.NormalizeName(a.Name)
		if _, dup := seen[key]; dup {
			return occams.NewValidationErrorCode(occams.ErrCodeDuplicateName, "name",
				fmt.Sprintf("attribute %q is defined twice", a.Name))
		}
		seen[key] = struct{}{}
		if parentID != nil && a.Type == occams.TypeSection {
			return occams.NewValidationErrorCode(occams.ErrCodeNestedSection, a.Name, "sections cannot be nested")
		}
		if len(a.Attributes) > 0 && a.Type != occams.TypeSection {
			return occams.NewConflictError(occams.ErrCodeIllegalParent, a.Name,
				fmt.Sprintf("%q is a %s, only sections hold attributes", a.Name, a.Type))
		}
		a.ID = 0
		a.SchemaID = schemaID
		a.ParentID = parentID
		a.Order = order
		order++
		if err := insertAttributeRow(ctx, q, a); err != nil {
			return err
		}
		for i, c := range a.Choices {
			c.ID = 0
			c.AttributeID = a.ID
			c.Order = i
			if err := insertChoiceRow(ctx, q, c); err != nil {
				return err
			}
		}
		for _, child := range a.Attributes {
			if err := insert(child, int64Ptr(a.ID)); err != nil {
				return err
			}
		}
		return nil
	}
	for _, a := range roots {
		if err := insert(a, nil); err != nil {
			return err
		}
	}
	return nil
}

func cloneAttributes(in []*occams.Attribute) []*occams.Attribute {
	out := make([]*occams.Attribute, 0, len(in))
	for _, a := range in {
		cp := *a
		cp.Choices = make([]*occams.Choice, 0, len(a.Choices))
		for _, c := range a.Choices {
			cc := *c
			cp.Choices = append(cp.Choices, &cc)
		}
		cp.Attributes = cloneAttributes(a.Attributes)
		out = append(out, &cp)
	}
	return out
}

// DraftFrom deep-copies a schema version into a new draft of the same name.
func (r *PostgresSchemaRegistry) DraftFrom(ctx context.Context, schemaID int64) (*occams.Schema, error) {
	var draft *occams.Schema
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		src, err := loadSchema(ctx, tx, schemaID)
		if err != nil {
			return err
		}
		draft = &occams.Schema{
			Name:        src.Name,
			Title:       src.Title,
			Description: src.Description,
			Storage:     src.Storage,
			Attributes:  cloneAttributes(src.Attributes),
		}
		if err := insertSchemaRow(ctx, tx, draft); err != nil {
			return err
		}
		return insertTree(ctx, tx, draft.ID, draft.Attributes)
	})
	if err != nil {
		return nil, err
	}
	zap.S().Infow("schema draft copied", "schema", draft.Name, "from", schemaID, "id", draft.ID)
	return draft, nil
}

func ensureUniqueVersion(ctx context.Context, q querier, name string, date time.Time, except int64) error {
	var taken bool
	err := q.QueryRow(ctx, `SELECT EXISTS (
			SELECT 1 FROM schema WHERE lower(name) = lower($1) AND publish_date = $2 AND id <> $3
		)`, name, date, except).Scan(&taken)
	if err != nil {
		return fmt.Errorf("check version: %w", err)
	}
	if taken {
		return occams.NewConflictError(occams.ErrCodeDuplicateVersion, "publish_date",
			fmt.Sprintf("%s already has a version published on %s", name, date.Format(occams.DateLayout)))
	}
	return nil
}

func (r *PostgresSchemaRegistry) Publish(ctx context.Context, schemaID int64, date time.Time) (*occams.Schema, error) {
	date = dateOnly(date)
	var s *occams.Schema
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		if s, err = loadSchemaRow(ctx, tx, schemaID, true); err != nil {
			return err
		}
		if s.IsPublished() {
			return occams.NewConflictError(occams.ErrCodeSchemaPublished, "publish_date",
				fmt.Sprintf("%s is already published on %s", s.Name, s.PublishDate.Format(occams.DateLayout)))
		}
		if err := ensureUniqueVersion(ctx, tx, s.Name, date, schemaID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE schema SET publish_date = $2, modify_date = now() WHERE id = $1`, schemaID, date); err != nil {
			return fmt.Errorf("publish schema: %w", err)
		}
		s.PublishDate = &date
		return nil
	})
	if err != nil {
		return nil, err
	}
	zap.S().Infow("schema published", "schema", s.Name, "id", schemaID, "publish_date", date.Format(occams.DateLayout))
	return s, nil
}

func (r *PostgresSchemaRegistry) Retract(ctx context.Context, schemaID int64, date time.Time) (*occams.Schema, error) {
	date = dateOnly(date)
	var s *occams.Schema
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		if s, err = loadSchemaRow(ctx, tx, schemaID, true); err != nil {
			return err
		}
		if !s.IsPublished() {
			return occams.NewValidationError("retract_date", "only published schemas can be retracted")
		}
		if date.Before(*s.PublishDate) {
			return occams.NewValidationErrorCode(occams.ErrCodeInvalidBounds, "retract_date",
				fmt.Sprintf("retract date %s precedes publish date %s",
					date.Format(occams.DateLayout), s.PublishDate.Format(occams.DateLayout)))
		}
		if _, err := tx.Exec(ctx, `UPDATE schema SET retract_date = $2, modify_date = now() WHERE id = $1`, schemaID, date); err != nil {
			return fmt.Errorf("retract schema: %w", err)
		}
		s.RetractDate = &date
		return nil
	})
	if err != nil {
		return nil, err
	}
	zap.S().Infow("schema retracted", "schema", s.Name, "id", schemaID, "retract_date", date.Format(occams.DateLayout))
	return s, nil
}

func (r *PostgresSchemaRegistry) DeleteSchema(ctx context.Context, schemaID int64) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		s, err := loadSchemaRow(ctx, tx, schemaID, true)
		if err != nil {
			return err
		}
		var used bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM entity WHERE schema_id = $1)`, schemaID).Scan(&used); err != nil {
			return fmt.Errorf("check entities: %w", err)
		}
		if used {
			return occams.NewConflictError(occams.ErrCodeDataExists, "schema",
				fmt.Sprintf("%s has collected data and cannot be deleted", s.Name))
		}
		if _, err := tx.Exec(ctx, `DELETE FROM schema WHERE id = $1`, schemaID); err != nil {
			return fmt.Errorf("delete schema: %w", err)
		}
		zap.S().Infow("schema deleted", "schema", s.Name, "id", schemaID)
		return nil
	})
}

// attributeSchema resolves the schema an attribute belongs to.
func attributeSchema(ctx context.Context, q querier, attributeID int64) (int64, error) {
	var schemaID int64
	err := q.QueryRow(ctx, `SELECT schema_id FROM attribute WHERE id = $1`, attributeID).Scan(&schemaID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, occams.NewNotFoundError(occams.ErrCodeAttributeNotFound, "attribute", attributeID)
	}
	if err != nil {
		return 0, fmt.Errorf("resolve attribute schema: %w", err)
	}
	return schemaID, nil
}

// attributesHaveValues reports whether any value row references the ids.
func attributesHaveValues(ctx context.Context, q querier, ids []int64) (bool, error) {
	parts := make([]string, len(valueTables))
	for i, vt := range valueTables {
		parts[i] = fmt.Sprintf(`SELECT 1 FROM %s WHERE attribute_id = ANY($1)`, vt.table)
	}
	var found bool
	err := q.QueryRow(ctx, `SELECT EXISTS (`+strings.Join(parts, " UNION ALL ")+`)`, ids).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("check values: %w", err)
	}
	return found, nil
}

// attributeHasMultiValues reports whether some entity holds more than one
// value row for the attribute.
func attributeHasMultiValues(ctx context.Context, q querier, attributeID int64) (bool, error) {
	parts := make([]string, len(valueTables))
	for i, vt := range valueTables {
		parts[i] = fmt.Sprintf(`SELECT entity_id FROM %s WHERE attribute_id = $1`, vt.table)
	}
	var found bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM (`+strings.Join(parts, " UNION ALL ")+
		`) v GROUP BY entity_id HAVING count(*) > 1)`, attributeID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("check collection values: %w", err)
	}
	return found, nil
}

// mutateTree locks the schema, loads its tree and runs fn. Afterwards the
// tree is renumbered and every changed order is written back under a
// deferred uniqueness check.
func (r *PostgresSchemaRegistry) mutateTree(ctx context.Context, schemaID int64, op string, allowPublished bool,
	fn func(tx pgx.Tx, s *occams.Schema, tree *attributeTree) error) error {
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		s, err := loadSchemaRow(ctx, tx, schemaID, true)
		if err != nil {
			return err
		}
		if s.IsPublished() && !allowPublished {
			return occams.NewConflictError(occams.ErrCodeSchemaPublished, "schema",
				fmt.Sprintf("%s is published; edit a new draft instead", s.Name))
		}
		attrs, err := loadAttributes(ctx, tx, schemaID)
		if err != nil {
			return err
		}
		tree, err := newAttributeTree(attrs)
		if err != nil {
			return occams.NewInternalError("corrupt attribute tree", err)
		}
		if _, err := tx.Exec(ctx, `SET CONSTRAINTS attribute_schema_order_key DEFERRED`); err != nil {
			return fmt.Errorf("defer order constraint: %w", err)
		}
		if err := fn(tx, s, tree); err != nil {
			return err
		}
		for _, ch := range tree.renumber() {
			if _, err := tx.Exec(ctx, `UPDATE attribute SET "order" = $2 WHERE id = $1`, ch.ID, ch.Order); err != nil {
				return fmt.Errorf("renumber attribute %d: %w", ch.ID, err)
			}
		}
		return nil
	})
	if err == nil {
		r.telemetry.TreeMutation(op)
	}
	return err
}

func (r *PostgresSchemaRegistry) resolveParent(tree *attributeTree, parentID *int64) (int, error) {
	if parentID == nil {
		return rootIndex, nil
	}
	idx, ok := tree.node(*parentID)
	if !ok {
		return 0, occams.NewNotFoundError(occams.ErrCodeAttributeNotFound, "attribute", *parentID)
	}
	return idx, nil
}

func (r *PostgresSchemaRegistry) AddAttribute(ctx context.Context, schemaID int64, parentID *int64, index int, spec occams.AttributeSpec) (*occams.Attribute, error) {
	if err := validateAttributeSpec(spec); err != nil {
		return nil, err
	}
	var created *occams.Attribute
	err := r.mutateTree(ctx, schemaID, "add", false, func(tx pgx.Tx, s *occams.Schema, tree *attributeTree) error {
		if tree.nameTaken(spec.Name, 0) {
			return occams.NewValidationErrorCode(occams.ErrCodeDuplicateName, "name",
				fmt.Sprintf("%s already has an attribute named %q", s.Name, spec.Name))
		}
		parent, err := r.resolveParent(tree, parentID)
		if err != nil {
			return err
		}
		if err := tree.checkPlacement(spec.Name, spec.Type, parent); err != nil {
			return err
		}
		a := attributeFromSpec(spec)
		a.SchemaID = s.ID
		idx := tree.insert(a, parent, index)
		a.ParentID = tree.parentID(idx)
		for pos, i := range tree.flatten() {
			if i == idx {
				a.Order = pos
				break
			}
		}
		if err := insertAttributeRow(ctx, tx, a); err != nil {
			return err
		}
		tree.byID[a.ID] = idx
		for _, c := range a.Choices {
			c.AttributeID = a.ID
			if err := insertChoiceRow(ctx, tx, c); err != nil {
				return err
			}
		}
		created = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	zap.S().Debugw("attribute added", "schema_id", schemaID, "attribute", created.Name, "order", created.Order)
	return created, nil
}

func attributeFromSpec(spec occams.AttributeSpec) *occams.Attribute {
	a := &occams.Attribute{}
	applySpec(a, spec)
	for i, cs := range spec.Choices {
		a.Choices = append(a.Choices, &occams.Choice{Name: cs.Name, Title: cs.Title, Order: i})
	}
	return a
}

// applySpec copies the non-structural fields of spec onto a.
func applySpec(a *occams.Attribute, spec occams.AttributeSpec) {
	a.Name = strings.TrimSpace(spec.Name)
	a.Title = spec.Title
	a.Description = spec.Description
	a.Type = spec.Type
	a.IsCollection = spec.IsCollection
	a.IsRequired = spec.IsRequired
	a.IsPrivate = spec.IsPrivate
	a.IsReadonly = spec.IsReadonly
	a.IsSystem = spec.IsSystem
	a.IsShuffled = spec.IsShuffled
	a.Widget = spec.Widget
	a.ValueMin = spec.ValueMin
	a.ValueMax = spec.ValueMax
	a.CollectionMin = spec.CollectionMin
	a.CollectionMax = spec.CollectionMax
	a.Pattern = spec.Pattern
	a.DecimalPlaces = spec.DecimalPlaces
}

// UpdateAttribute rewrites an attribute's definition in place. Choices are
// managed with AddChoice and DeleteChoice; they are dropped only when the
// attribute stops being a choice.
func (r *PostgresSchemaRegistry) UpdateAttribute(ctx context.Context, attributeID int64, spec occams.AttributeSpec) (*occams.Attribute, error) {
	spec.Choices = nil
	if err := validateAttributeSpec(spec); err != nil {
		return nil, err
	}
	schemaID, err := attributeSchema(ctx, r.pool, attributeID)
	if err != nil {
		return nil, err
	}
	var updated *occams.Attribute
	err = r.mutateTree(ctx, schemaID, "update", false, func(tx pgx.Tx, s *occams.Schema, tree *attributeTree) error {
		idx, ok := tree.node(attributeID)
		if !ok {
			return occams.NewNotFoundError(occams.ErrCodeAttributeNotFound, "attribute", attributeID)
		}
		a := tree.nodes[idx].attr
		if tree.nameTaken(spec.Name, attributeID) {
			return occams.NewValidationErrorCode(occams.ErrCodeDuplicateName, "name",
				fmt.Sprintf("%s already has an attribute named %q", s.Name, spec.Name))
		}
		if err := tree.checkPlacement(spec.Name, spec.Type, tree.nodes[idx].parent); err != nil {
			return err
		}
		if a.Type == occams.TypeSection && spec.Type != occams.TypeSection && len(tree.nodes[idx].children) > 0 {
			return occams.NewConflictError(occams.ErrCodeIllegalParent, "type",
				fmt.Sprintf("section %q still holds attributes", a.Name))
		}
		if a.Type != spec.Type {
			used, err := attributesHaveValues(ctx, tx, []int64{attributeID})
			if err != nil {
				return err
			}
			if used {
				return occams.NewConflictError(occams.ErrCodeDataExists, "type",
					fmt.Sprintf("%q has collected values; its type cannot change", a.Name))
			}
			if a.Type == occams.TypeChoice {
				if _, err := tx.Exec(ctx, `DELETE FROM choice WHERE attribute_id = $1`, attributeID); err != nil {
					return fmt.Errorf("drop choices: %w", err)
				}
				a.Choices = nil
			}
		}
		if a.IsCollection && !spec.IsCollection {
			multi, err := attributeHasMultiValues(ctx, tx, attributeID)
			if err != nil {
				return err
			}
			if multi {
				return occams.NewConflictError(occams.ErrCodeDataExists, "is_collection",
					fmt.Sprintf("%q holds several values for one entity; it must stay a collection", a.Name))
			}
		}
		applySpec(a, spec)
		_, err := tx.Exec(ctx, `UPDATE attribute SET name = $2, title = $3, description = $4, type = $5,
				is_collection = $6, is_required = $7, is_private = $8, is_readonly = $9, is_system = $10,
				is_shuffled = $11, widget = $12, value_min = $13, value_max = $14, collection_min = $15,
				collection_max = $16, pattern = $17, decimal_places = $18
			WHERE id = $1`,
			attributeID, a.Name, a.Title, nullString(a.Description), string(a.Type),
			a.IsCollection, a.IsRequired, a.IsPrivate, a.IsReadonly, a.IsSystem,
			a.IsShuffled, nullString(string(a.Widget)), a.ValueMin, a.ValueMax, a.CollectionMin,
			a.CollectionMax, nullString(a.Pattern), a.DecimalPlaces)
		if err != nil {
			return fmt.Errorf("update attribute: %w", err)
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PostgresSchemaRegistry) MoveAttribute(ctx context.Context, attributeID int64, targetParentID *int64, index int) error {
	schemaID, err := attributeSchema(ctx, r.pool, attributeID)
	if err != nil {
		return err
	}
	return r.mutateTree(ctx, schemaID, "move", false, func(tx pgx.Tx, s *occams.Schema, tree *attributeTree) error {
		idx, ok := tree.node(attributeID)
		if !ok {
			return occams.NewNotFoundError(occams.ErrCodeAttributeNotFound, "attribute", attributeID)
		}
		target, err := r.resolveParent(tree, targetParentID)
		if err != nil {
			return err
		}
		a := tree.nodes[idx].attr
		if err := tree.checkPlacement(a.Name, a.Type, target); err != nil {
			return err
		}
		before := tree.parentID(idx)
		tree.move(idx, target, index)
		after := tree.parentID(idx)
		if !sameParent(before, after) {
			if _, err := tx.Exec(ctx, `UPDATE attribute SET parent_attribute_id = $2 WHERE id = $1`, attributeID, after); err != nil {
				return fmt.Errorf("reparent attribute: %w", err)
			}
			a.ParentID = after
		}
		zap.S().Debugw("attribute moved", "schema", s.Name, "attribute", a.Name, "index", index)
		return nil
	})
}

func (r *PostgresSchemaRegistry) DeleteAttribute(ctx context.Context, attributeID int64, force bool) error {
	schemaID, err := attributeSchema(ctx, r.pool, attributeID)
	if err != nil {
		return err
	}
	return r.mutateTree(ctx, schemaID, "delete", true, func(tx pgx.Tx, s *occams.Schema, tree *attributeTree) error {
		idx, ok := tree.node(attributeID)
		if !ok {
			return occams.NewNotFoundError(occams.ErrCodeAttributeNotFound, "attribute", attributeID)
		}
		name := tree.nodes[idx].attr.Name
		removed := tree.remove(idx)
		used, err := attributesHaveValues(ctx, tx, removed)
		if err != nil {
			return err
		}
		if used {
			if s.IsPublished() && !force {
				return occams.NewConflictError(occams.ErrCodeDataExists, name,
					fmt.Sprintf("%q has collected values in published schema %s", name, s.Name))
			}
			for _, vt := range valueTables {
				if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE attribute_id = ANY($1)`, vt.table), removed); err != nil {
					return fmt.Errorf("delete %s values: %w", vt.table, err)
				}
			}
			zap.S().Warnw("deleted attribute values", "schema", s.Name, "attribute", name, "forced", force)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM attribute WHERE id = $1`, attributeID); err != nil {
			return fmt.Errorf("delete attribute: %w", err)
		}
		return nil
	})
}

// lockAttribute locks the owning schema of an attribute for a choice edit
// and returns the attribute without its choices.
func lockAttribute(ctx context.Context, tx pgx.Tx, attributeID int64) (*occams.Attribute, error) {
	schemaID, err := attributeSchema(ctx, tx, attributeID)
	if err != nil {
		return nil, err
	}
	s, err := loadSchemaRow(ctx, tx, schemaID, true)
	if err != nil {
		return nil, err
	}
	if s.IsPublished() {
		return nil, occams.NewConflictError(occams.ErrCodeSchemaPublished, "schema",
			fmt.Sprintf("%s is published; edit a new draft instead", s.Name))
	}
	a, err := scanAttribute(tx.QueryRow(ctx, `SELECT `+attributeColumns+` FROM attribute WHERE id = $1`, attributeID))
	if err != nil {
		return nil, fmt.Errorf("load attribute: %w", err)
	}
	return a, nil
}

func loadChoices(ctx context.Context, q querier, attributeID int64) ([]*occams.Choice, error) {
	rows, err := q.Query(ctx, `SELECT id, attribute_id, name, title, "order" FROM choice WHERE attribute_id = $1 ORDER BY "order"`, attributeID)
	if err != nil {
		return nil, fmt.Errorf("query choices: %w", err)
	}
	defer rows.Close()
	var out []*occams.Choice
	for rows.Next() {
		var c occams.Choice
		if err := rows.Scan(&c.ID, &c.AttributeID, &c.Name, &c.Title, &c.Order); err != nil {
			return nil, fmt.Errorf("scan choice: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// renumberChoices writes order 0..N-1 for every choice whose order moved.
// New choices (id 0) only get their Order set.
func renumberChoices(ctx context.Context, tx pgx.Tx, choices []*occams.Choice) error {
	if _, err := tx.Exec(ctx, `SET CONSTRAINTS choice_attribute_order_key DEFERRED`); err != nil {
		return fmt.Errorf("defer choice order constraint: %w", err)
	}
	for pos, c := range choices {
		if c.Order == pos {
			continue
		}
		c.Order = pos
		if c.ID == 0 {
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE choice SET "order" = $2 WHERE id = $1`, c.ID, pos); err != nil {
			return fmt.Errorf("renumber choice %d: %w", c.ID, err)
		}
	}
	return nil
}

func (r *PostgresSchemaRegistry) AddChoice(ctx context.Context, attributeID int64, index int, spec occams.ChoiceSpec) (*occams.Choice, error) {
	if err := validateChoiceSpec(spec); err != nil {
		return nil, err
	}
	created := &occams.Choice{AttributeID: attributeID, Name: spec.Name, Title: spec.Title, Order: -1}
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		a, err := lockAttribute(ctx, tx, attributeID)
		if err != nil {
			return err
		}
		if a.Type != occams.TypeChoice {
			return occams.NewValidationError("choices", fmt.Sprintf("%q is a %s, only choice attributes carry choices", a.Name, a.Type))
		}
		choices, err := loadChoices(ctx, tx, attributeID)
		if err != nil {
			return err
		}
		for _, c := range choices {
			if c.Name == spec.Name {
				return occams.NewValidationErrorCode(occams.ErrCodeDuplicateName, "name",
					fmt.Sprintf("%q already has choice %q", a.Name, spec.Name))
			}
		}
		if index < 0 {
			index = 0
		}
		if index > len(choices) {
			index = len(choices)
		}
		choices = append(choices[:index], append([]*occams.Choice{created}, choices[index:]...)...)
		if err := renumberChoices(ctx, tx, choices); err != nil {
			return err
		}
		return insertChoiceRow(ctx, tx, created)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *PostgresSchemaRegistry) DeleteChoice(ctx context.Context, choiceID int64) error {
	var attributeID int64
	err := r.pool.QueryRow(ctx, `SELECT attribute_id FROM choice WHERE id = $1`, choiceID).Scan(&attributeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return occams.NewNotFoundError(occams.ErrCodeChoiceNotFound, "choice", choiceID)
	}
	if err != nil {
		return fmt.Errorf("resolve choice: %w", err)
	}
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		a, err := lockAttribute(ctx, tx, attributeID)
		if err != nil {
			return err
		}
		var used bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM value_choice WHERE value = $1)`, choiceID).Scan(&used); err != nil {
			return fmt.Errorf("check choice values: %w", err)
		}
		if used {
			return occams.NewConflictError(occams.ErrCodeDataExists, a.Name, "choice is referenced by collected values")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM choice WHERE id = $1`, choiceID); err != nil {
			return fmt.Errorf("delete choice: %w", err)
		}
		rest, err := loadChoices(ctx, tx, attributeID)
		if err != nil {
			return err
		}
		return renumberChoices(ctx, tx, rest)
	})
}

func (r *PostgresSchemaRegistry) ExportSchema(ctx context.Context, schemaID int64) (*occams.SchemaJSON, error) {
	s, err := r.GetSchema(ctx, schemaID)
	if err != nil {
		return nil, err
	}
	return occams.ToJSON(s), nil
}

// ImportSchema creates a schema from the transfer format in one
// transaction, published when the document carries a publish date.
func (r *PostgresSchemaRegistry) ImportSchema(ctx context.Context, doc *occams.SchemaJSON) (*occams.Schema, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	s, err := occams.FromJSON(doc)
	if err != nil {
		return nil, err
	}
	if err := validateStruct(occams.SchemaSpec{Name: s.Name, Title: s.Title, Description: s.Description, Storage: s.Storage}); err != nil {
		return nil, err
	}
	if s.RetractDate != nil && (s.PublishDate == nil || s.RetractDate.Before(*s.PublishDate)) {
		return nil, occams.NewValidationErrorCode(occams.ErrCodeInvalidBounds, "retract_date",
			"retract date requires an earlier or equal publish date")
	}
	err = withTx(ctx, r.pool, func(tx pgx.Tx) error {
		if s.PublishDate != nil {
			if err := ensureUniqueVersion(ctx, tx, s.Name, *s.PublishDate, 0); err != nil {
				return err
			}
		}
		if err := insertSchemaRow(ctx, tx, s); err != nil {
			return err
		}
		return insertTree(ctx, tx, s.ID, s.Attributes)
	})
	if err != nil {
		return nil, err
	}
	zap.S().Infow("schema imported", "schema", s.Name, "id", s.ID, "published", s.IsPublished())
	return s, nil
}
