package occams

import (
	"fmt"
	"sort"
	"time"
)

// SchemaJSON is the schema definition transfer format.
type SchemaJSON struct {
	Name        string                    `json:"name" yaml:"name"`
	Title       string                    `json:"title" yaml:"title"`
	Description string                    `json:"description,omitempty" yaml:"description,omitempty"`
	Storage     StorageMode               `json:"storage,omitempty" yaml:"storage,omitempty"`
	PublishDate string                    `json:"publish_date,omitempty" yaml:"publish_date,omitempty"`
	RetractDate string                    `json:"retract_date,omitempty" yaml:"retract_date,omitempty"`
	Attributes  map[string]*AttributeJSON `json:"attributes" yaml:"attributes"`
}

// AttributeJSON mirrors Attribute. Sections carry their children in
// Attributes; choice attributes carry Choices keyed by code.
type AttributeJSON struct {
	Name          string                    `json:"name,omitempty" yaml:"name,omitempty"`
	Title         string                    `json:"title" yaml:"title"`
	Description   string                    `json:"description,omitempty" yaml:"description,omitempty"`
	Type          AttributeType             `json:"type" yaml:"type"`
	IsCollection  bool                      `json:"is_collection" yaml:"is_collection"`
	IsRequired    bool                      `json:"is_required" yaml:"is_required"`
	IsPrivate     bool                      `json:"is_private" yaml:"is_private"`
	IsReadonly    bool                      `json:"is_readonly" yaml:"is_readonly"`
	IsSystem      bool                      `json:"is_system" yaml:"is_system"`
	IsShuffled    bool                      `json:"is_shuffled" yaml:"is_shuffled"`
	Widget        Widget                    `json:"widget,omitempty" yaml:"widget,omitempty"`
	ValueMin      *float64                  `json:"value_min,omitempty" yaml:"value_min,omitempty"`
	ValueMax      *float64                  `json:"value_max,omitempty" yaml:"value_max,omitempty"`
	CollectionMin *int                      `json:"collection_min,omitempty" yaml:"collection_min,omitempty"`
	CollectionMax *int                      `json:"collection_max,omitempty" yaml:"collection_max,omitempty"`
	Pattern       string                    `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	DecimalPlaces *int                      `json:"decimal_places,omitempty" yaml:"decimal_places,omitempty"`
	Order         int                       `json:"order" yaml:"order"`
	Choices       map[string]*ChoiceJSON    `json:"choices,omitempty" yaml:"choices,omitempty"`
	Attributes    map[string]*AttributeJSON `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// ChoiceJSON mirrors Choice.
type ChoiceJSON struct {
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Title string `json:"title" yaml:"title"`
	Order int    `json:"order" yaml:"order"`
}

// ToJSON converts a schema and its whole tree into the transfer format.
// Database identifiers are not part of the format.
func ToJSON(s *Schema) *SchemaJSON {
	doc := &SchemaJSON{
		Name:        s.Name,
		Title:       s.Title,
		Description: s.Description,
		Storage:     s.Storage,
		Attributes:  make(map[string]*AttributeJSON, len(s.Attributes)),
	}
	if s.PublishDate != nil {
		doc.PublishDate = s.PublishDate.Format(DateLayout)
	}
	if s.RetractDate != nil {
		doc.RetractDate = s.RetractDate.Format(DateLayout)
	}
	for _, a := range s.Attributes {
		doc.Attributes[a.Name] = attributeToJSON(a)
	}
	return doc
}

func attributeToJSON(a *Attribute) *AttributeJSON {
	out := &AttributeJSON{
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
		Order:         a.Order,
	}
	if len(a.Choices) > 0 {
		out.Choices = make(map[string]*ChoiceJSON, len(a.Choices))
		for _, c := range a.Choices {
			out.Choices[c.Name] = &ChoiceJSON{Name: c.Name, Title: c.Title, Order: c.Order}
		}
	}
	if len(a.Attributes) > 0 {
		out.Attributes = make(map[string]*AttributeJSON, len(a.Attributes))
		for _, child := range a.Attributes {
			out.Attributes[child.Name] = attributeToJSON(child)
		}
	}
	return out
}

// FromJSON rebuilds an unsaved schema tree from the transfer format.
// Siblings and choices are ordered by their order field.
func FromJSON(doc *SchemaJSON) (*Schema, error) {
	s := &Schema{
		Name:        doc.Name,
		Title:       doc.Title,
		Description: doc.Description,
		Storage:     doc.Storage,
	}
	if s.Storage == "" {
		s.Storage = StorageEAV
	}
	var err error
	if s.PublishDate, err = parseDocDate("publish_date", doc.PublishDate); err != nil {
		return nil, err
	}
	if s.RetractDate, err = parseDocDate("retract_date", doc.RetractDate); err != nil {
		return nil, err
	}
	if s.Attributes, err = attributesFromJSON(doc.Attributes, 0); err != nil {
		return nil, err
	}
	return s, nil
}

func attributesFromJSON(in map[string]*AttributeJSON, depth int) ([]*Attribute, error) {
	out := make([]*Attribute, 0, len(in))
	for key, aj := range in {
		if aj == nil {
			return nil, NewValidationErrorCode(ErrCodeInvalidDocument, key, "attribute definition is empty")
		}
		name := aj.Name
		if name == "" {
			name = key
		}
		if name != key {
			return nil, NewValidationErrorCode(ErrCodeInvalidDocument, key, fmt.Sprintf("key does not match attribute name %q", aj.Name))
		}
		if depth > 0 && len(aj.Attributes) > 0 {
			return nil, NewValidationErrorCode(ErrCodeNestedSection, key, "sections cannot be nested")
		}
		a := &Attribute{
			Name:          name,
			Title:         aj.Title,
			Description:   aj.Description,
			Type:          aj.Type,
			IsCollection:  aj.IsCollection,
			IsRequired:    aj.IsRequired,
			IsPrivate:     aj.IsPrivate,
			IsReadonly:    aj.IsReadonly,
			IsSystem:      aj.IsSystem,
			IsShuffled:    aj.IsShuffled,
			Widget:        aj.Widget,
			ValueMin:      aj.ValueMin,
			ValueMax:      aj.ValueMax,
			CollectionMin: aj.CollectionMin,
			CollectionMax: aj.CollectionMax,
			Pattern:       aj.Pattern,
			DecimalPlaces: aj.DecimalPlaces,
			Order:         aj.Order,
		}
		for code, cj := range aj.Choices {
			c := &Choice{Name: code, Order: len(a.Choices)}
			if cj != nil {
				c.Title = cj.Title
				c.Order = cj.Order
			}
			a.Choices = append(a.Choices, c)
		}
		sort.SliceStable(a.Choices, func(i, j int) bool {
			if a.Choices[i].Order != a.Choices[j].Order {
				return a.Choices[i].Order < a.Choices[j].Order
			}
			return a.Choices[i].Name < a.Choices[j].Name
		})
		children, err := attributesFromJSON(aj.Attributes, depth+1)
		if err != nil {
			return nil, err
		}
		if len(children) > 0 {
			a.Attributes = children
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func parseDocDate(field, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(DateLayout, raw)
	if err != nil {
		return nil, NewValidationErrorCode(ErrCodeInvalidDocument, field, fmt.Sprintf("%q is not a date (YYYY-MM-DD)", raw))
	}
	return &t, nil
}
