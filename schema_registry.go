package occams

import (
	"context"
	"strings"
	"time"
)

// NormalizeName folds schema and attribute names for case-insensitive comparison.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// legalWidgets lists the widgets each type accepts; WidgetNone is always legal.
var legalWidgets = map[AttributeType]map[bool][]Widget{
	TypeChoice: {
		true:  {WidgetSelect, WidgetCheckbox},
		false: {WidgetSelect, WidgetRadio},
	},
	TypeString: {
		true:  {WidgetPhone, WidgetEmail},
		false: {WidgetPhone, WidgetEmail},
	},
}

// WidgetAllowed reports whether w may render an attribute of type t.
func WidgetAllowed(t AttributeType, collection bool, w Widget) bool {
	if w == WidgetNone {
		return true
	}
	for _, legal := range legalWidgets[t][collection] {
		if legal == w {
			return true
		}
	}
	return false
}

// LegalWidgets returns the widgets allowed for a type/collection combination.
func LegalWidgets(t AttributeType, collection bool) []Widget {
	return append([]Widget(nil), legalWidgets[t][collection]...)
}

// SchemaRegistry manages named, versioned attribute trees.
//
// Every structural mutation (add, move, delete) runs validation, the
// change and the whole-tree renumbering in one transaction.
type SchemaRegistry interface {
	CreateSchema(ctx context.Context, spec SchemaSpec) (*Schema, error)
	GetSchema(ctx context.Context, schemaID int64) (*Schema, error)
	GetSchemaVersion(ctx context.Context, name string, publishDate time.Time) (*Schema, error)
	ListVersions(ctx context.Context, name string) ([]*Schema, error)
	DraftFrom(ctx context.Context, schemaID int64) (*Schema, error)
	Publish(ctx context.Context, schemaID int64, date time.Time) (*Schema, error)
	Retract(ctx context.Context, schemaID int64, date time.Time) (*Schema, error)
	DeleteSchema(ctx context.Context, schemaID int64) error

	// AddAttribute inserts spec under parentID (nil = top level) at index.
	AddAttribute(ctx context.Context, schemaID int64, parentID *int64, index int, spec AttributeSpec) (*Attribute, error)
	UpdateAttribute(ctx context.Context, attributeID int64, spec AttributeSpec) (*Attribute, error)
	// MoveAttribute moves an attribute under targetParentID (nil = top level) at index.
	MoveAttribute(ctx context.Context, attributeID int64, targetParentID *int64, index int) error
	// DeleteAttribute removes an attribute, its children and choices.
	// force permits deleting from a published schema that already holds values.
	DeleteAttribute(ctx context.Context, attributeID int64, force bool) error

	AddChoice(ctx context.Context, attributeID int64, index int, spec ChoiceSpec) (*Choice, error)
	DeleteChoice(ctx context.Context, choiceID int64) error

	ExportSchema(ctx context.Context, schemaID int64) (*SchemaJSON, error)
	ImportSchema(ctx context.Context, doc *SchemaJSON) (*Schema, error)
}
