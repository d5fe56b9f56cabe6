package occams

import (
	"time"
)

// AttributeType selects the value family (and value table) of an attribute.
type AttributeType string

const (
	TypeNumber   AttributeType = "number"
	TypeChoice   AttributeType = "choice"
	TypeDate     AttributeType = "date"
	TypeDateTime AttributeType = "datetime"
	TypeString   AttributeType = "string"
	TypeText     AttributeType = "text"
	TypeSection  AttributeType = "section"
	TypeBlob     AttributeType = "blob"
)

// Valid reports whether t is one of the known attribute types.
func (t AttributeType) Valid() bool {
	switch t {
	case TypeNumber, TypeChoice, TypeDate, TypeDateTime, TypeString, TypeText, TypeSection, TypeBlob:
		return true
	}
	return false
}

// StorageMode describes where a schema's collected data lives.
type StorageMode string

const (
	StorageEAV      StorageMode = "eav"
	StorageResource StorageMode = "resource"
	StorageTable    StorageMode = "table"
)

// Widget is a rendering hint constrained by attribute type.
type Widget string

const (
	WidgetNone     Widget = ""
	WidgetSelect   Widget = "select"
	WidgetRadio    Widget = "radio"
	WidgetCheckbox Widget = "checkbox"
	WidgetPhone    Widget = "phone"
	WidgetEmail    Widget = "email"
)

// EntityState is the workflow status of a collected record.
type EntityState string

const (
	StatePendingEntry EntityState = "pending-entry"
	StateInProgress   EntityState = "in-progress"
	StateComplete     EntityState = "complete"
	StateNotDone      EntityState = "not-done"
)

// Context external types.
const (
	ExternalPatient    = "patient"
	ExternalEnrollment = "enrollment"
	ExternalVisit      = "visit"
	ExternalStratum    = "stratum"
)

// Schema is one dated version (or draft) of a named form.
type Schema struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Storage     StorageMode  `json:"storage"`
	PublishDate *time.Time   `json:"publish_date,omitempty"`
	RetractDate *time.Time   `json:"retract_date,omitempty"`
	Attributes  []*Attribute `json:"attributes,omitempty"` // top level, in order
}

// IsPublished reports whether the schema has a publish date.
func (s *Schema) IsPublished() bool {
	return s.PublishDate != nil
}

// Walk visits every attribute in pre-order.
func (s *Schema) Walk(fn func(a *Attribute)) {
	for _, a := range s.Attributes {
		fn(a)
		for _, c := range a.Attributes {
			fn(c)
		}
	}
}

// Lookup finds an attribute by case-insensitive name anywhere in the tree.
func (s *Schema) Lookup(name string) *Attribute {
	var found *Attribute
	key := NormalizeName(name)
	s.Walk(func(a *Attribute) {
		if found == nil && NormalizeName(a.Name) == key {
			found = a
		}
	})
	return found
}

// Attribute is one field definition within a schema's tree.
type Attribute struct {
	ID            int64         `json:"id"`
	SchemaID      int64         `json:"schema_id"`
	ParentID      *int64        `json:"parent_attribute_id,omitempty"`
	Name          string        `json:"name"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	Type          AttributeType `json:"type"`
	IsCollection  bool          `json:"is_collection"`
	IsRequired    bool          `json:"is_required"`
	IsPrivate     bool          `json:"is_private"`
	IsReadonly    bool          `json:"is_readonly"`
	IsSystem      bool          `json:"is_system"`
	IsShuffled    bool          `json:"is_shuffled"`
	Widget        Widget        `json:"widget,omitempty"`
	ValueMin      *float64      `json:"value_min,omitempty"`
	ValueMax      *float64      `json:"value_max,omitempty"`
	CollectionMin *int          `json:"collection_min,omitempty"`
	CollectionMax *int          `json:"collection_max,omitempty"`
	Pattern       string        `json:"pattern,omitempty"`
	DecimalPlaces *int          `json:"decimal_places,omitempty"`
	Order         int           `json:"order"`
	Choices       []*Choice     `json:"choices,omitempty"`
	Attributes    []*Attribute  `json:"attributes,omitempty"` // section children
}

// Spec returns the user-settable fields of the attribute.
func (a *Attribute) Spec() AttributeSpec {
	spec := AttributeSpec{
		Name:          a.Name,
		Title:         a.Title,
		Description:   a.Description,
		Type:          a.Type,
		IsCollection:  a.IsCollection,
		IsRequired:    a.IsRequired,
		IsPrivate:     a.IsPrivate,
		IsReadonly:    a.IsReadonly,
		IsSystem:      a.IsSystem,
		IsShuffled:    a.IsShuffled,
		Widget:        a.Widget,
		ValueMin:      a.ValueMin,
		ValueMax:      a.ValueMax,
		CollectionMin: a.CollectionMin,
		CollectionMax: a.CollectionMax,
		Pattern:       a.Pattern,
		DecimalPlaces: a.DecimalPlaces,
	}
	for _, c := range a.Choices {
		spec.Choices = append(spec.Choices, ChoiceSpec{Name: c.Name, Title: c.Title})
	}
	return spec
}

// ChoiceByName returns the attribute's choice with the given code.
func (a *Attribute) ChoiceByName(name string) *Choice {
	for _, c := range a.Choices {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Choice is one allowed answer of a choice attribute.
type Choice struct {
	ID          int64  `json:"id"`
	AttributeID int64  `json:"attribute_id"`
	Name        string `json:"name"`
	Title       string `json:"title"`
	Order       int    `json:"order"`
}

// SchemaSpec holds the fields needed to create a draft schema.
type SchemaSpec struct {
	Name        string      `json:"name" validate:"required,max=32"`
	Title       string      `json:"title" validate:"required"`
	Description string      `json:"description,omitempty"`
	Storage     StorageMode `json:"storage" validate:"omitempty,oneof=eav resource table"`
}

// AttributeSpec holds the user-settable fields of an attribute.
type AttributeSpec struct {
	Name          string        `json:"name" validate:"required,max=50,identifier"`
	Title         string        `json:"title" validate:"required"`
	Description   string        `json:"description,omitempty"`
	Type          AttributeType `json:"type" validate:"required,oneof=number choice date datetime string text section blob"`
	IsCollection  bool          `json:"is_collection"`
	IsRequired    bool          `json:"is_required"`
	IsPrivate     bool          `json:"is_private"`
	IsReadonly    bool          `json:"is_readonly"`
	IsSystem      bool          `json:"is_system"`
	IsShuffled    bool          `json:"is_shuffled"`
	Widget        Widget        `json:"widget,omitempty"`
	ValueMin      *float64      `json:"value_min,omitempty"`
	ValueMax      *float64      `json:"value_max,omitempty"`
	CollectionMin *int          `json:"collection_min,omitempty" validate:"omitempty,gte=0"`
	CollectionMax *int          `json:"collection_max,omitempty" validate:"omitempty,gte=0"`
	Pattern       string        `json:"pattern,omitempty"`
	DecimalPlaces *int          `json:"decimal_places,omitempty" validate:"omitempty,gte=0"`
	Choices       []ChoiceSpec  `json:"choices,omitempty" validate:"dive"`
}

// ChoiceSpec holds the user-settable fields of a choice.
type ChoiceSpec struct {
	Name  string `json:"name" validate:"required,max=8,numeric"`
	Title string `json:"title" validate:"required"`
}

// Entity is one instantiation of a schema version holding collected values.
type Entity struct {
	ID          int64       `json:"id"`
	SchemaID    int64       `json:"schema_id"`
	State       EntityState `json:"state"`
	CollectDate *time.Time  `json:"collect_date,omitempty"`
	IsNull      bool        `json:"is_null"`
	CreateDate  time.Time   `json:"create_date"`
	CreateUser  string      `json:"create_user,omitempty"`
	ModifyDate  time.Time   `json:"modify_date"`
	ModifyUser  string      `json:"modify_user,omitempty"`
}

// Context binds an entity to an owning domain object.
type Context struct {
	ID       int64  `json:"id"`
	External string `json:"external"`
	Key      int64  `json:"key"`
	EntityID int64  `json:"entity_id"`
}
