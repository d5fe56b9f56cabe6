package occams

import (
	"context"
	"time"
)

// ValueStore persists one typed value per (entity, attribute).
type ValueStore interface {
	CreateEntity(ctx context.Context, schemaID int64, state EntityState, collectDate *time.Time) (*Entity, error)
	GetEntity(ctx context.Context, entityID int64) (*Entity, error)
	SetState(ctx context.Context, entityID int64, state EntityState) error
	DeleteEntity(ctx context.Context, entityID int64) error

	// SetValue type-checks and bound-checks v against the attribute, then
	// replaces whatever was stored. A nil v clears the value.
	SetValue(ctx context.Context, entityID int64, attribute string, v Value) error
	// SetValues writes a whole field map atomically.
	SetValues(ctx context.Context, entityID int64, values map[string]Value) error
	// GetValue returns nil when nothing is stored.
	GetValue(ctx context.Context, entityID int64, attribute string) (Value, error)
	GetValues(ctx context.Context, entityID int64) (map[string]Value, error)
}

// ContextLinker binds entities to owning domain objects.
type ContextLinker interface {
	Link(ctx context.Context, external string, key int64, entityID int64) (*Context, error)
	Unlink(ctx context.Context, external string, key int64, entityID int64) error
	EntitiesOf(ctx context.Context, external string, key int64) ([]int64, error)
	OwnersOf(ctx context.Context, entityID int64) ([]Context, error)
	// DeleteOwner removes the owner's contexts and every entity left without one.
	DeleteOwner(ctx context.Context, external string, key int64) error
}

// ReportRequest selects a schema name, its accepted versions and output shape.
// Filter optionally restricts rows by column values.
type ReportRequest struct {
	SchemaName        string              `json:"schema_name" validate:"required"`
	Versions          []time.Time         `json:"versions"`
	UseChoiceLabels   bool                `json:"use_choice_labels"`
	ExpandCollections bool                `json:"expand_collections"`
	Filter            *CompositeCondition `json:"filter,omitempty"`
}

// ColumnType is the value family of a report column.
type ColumnType string

const (
	ColumnNumber   ColumnType = "number"
	ColumnString   ColumnType = "string"
	ColumnText     ColumnType = "text"
	ColumnDate     ColumnType = "date"
	ColumnDateTime ColumnType = "datetime"
	ColumnChoice   ColumnType = "choice"
	ColumnBlob     ColumnType = "blob"
	ColumnBoolean  ColumnType = "boolean"
)

// Column is one named, typed column of a RowSet.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// RowSet is a flat, typed table. Absent data renders as nil.
type RowSet struct {
	Columns []Column `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// ColumnIndex returns the position of a named column or -1.
func (rs *RowSet) ColumnIndex(name string) int {
	for i, c := range rs.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// ColumnNames lists the column names in order.
func (rs *RowSet) ColumnNames() []string {
	names := make([]string, len(rs.Columns))
	for i, c := range rs.Columns {
		names[i] = c.Name
	}
	return names
}

// Get returns the value of a named column in a row, or nil.
func (rs *RowSet) Get(row int, column string) any {
	idx := rs.ColumnIndex(column)
	if idx < 0 || row < 0 || row >= len(rs.Rows) {
		return nil
	}
	return rs.Rows[row][idx]
}

// CodebookEntry describes one column a report can produce.
type CodebookEntry struct {
	Field        string       `json:"field"`
	Table        string       `json:"table"`
	Form         string       `json:"form"`
	PublishDate  *time.Time   `json:"publish_date,omitempty"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	IsRequired   bool         `json:"is_required"`
	IsCollection bool         `json:"is_collection"`
	IsPrivate    bool         `json:"is_private"`
	Type         ColumnType   `json:"type"`
	Choices      []ChoiceSpec `json:"choices,omitempty"`
	Order        int          `json:"order"`
}

// ReportBuilder flattens EAV data into one row per entity.
type ReportBuilder interface {
	BuildReport(ctx context.Context, req ReportRequest) (*RowSet, error)
	Codebook(ctx context.Context, req ReportRequest) ([]CodebookEntry, error)
}
