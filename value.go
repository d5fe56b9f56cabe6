package occams

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the canonical text form of date values.
const DateLayout = "2006-01-02"

// Value is a typed attribute value. The concrete types are NumberValue,
// StringValue, TextValue, DateValue, DateTimeValue, BlobValue,
// ChoiceValue and CollectionValue.
type Value interface {
	// Type reports the attribute type the value belongs to. For a
	// collection this is the element type.
	Type() AttributeType
	// String renders the canonical text form used in reports and forms.
	String() string
	isValue()
}

type NumberValue struct{ decimal.Decimal }

func (NumberValue) Type() AttributeType { return TypeNumber }
func (v NumberValue) String() string    { return v.Decimal.String() }
func (NumberValue) isValue()            {}

type StringValue string

func (StringValue) Type() AttributeType { return TypeString }
func (v StringValue) String() string    { return string(v) }
func (StringValue) isValue()            {}

type TextValue string

func (TextValue) Type() AttributeType { return TypeText }
func (v TextValue) String() string    { return string(v) }
func (TextValue) isValue()            {}

type DateValue struct{ time.Time }

func (DateValue) Type() AttributeType { return TypeDate }
func (v DateValue) String() string    { return v.Time.Format(DateLayout) }
func (DateValue) isValue()            {}

type DateTimeValue struct{ time.Time }

func (DateTimeValue) Type() AttributeType { return TypeDateTime }
func (v DateTimeValue) String() string    { return v.Time.UTC().Format(time.RFC3339) }
func (DateTimeValue) isValue()            {}

// BlobValue carries an uploaded file.
type BlobValue struct {
	FileName string
	MimeType string
	Data     []byte
}

func (BlobValue) Type() AttributeType { return TypeBlob }
func (v BlobValue) String() string    { return v.FileName }
func (BlobValue) isValue()            {}

// ChoiceValue references a Choice of the attribute by its code.
type ChoiceValue string

func (ChoiceValue) Type() AttributeType { return TypeChoice }
func (v ChoiceValue) String() string    { return string(v) }
func (ChoiceValue) isValue()            {}

// CollectionValue is the ordered multiset held by an is_collection attribute.
type CollectionValue struct {
	Of    AttributeType
	Items []Value
}

func (v CollectionValue) Type() AttributeType { return v.Of }
func (v CollectionValue) String() string {
	parts := make([]string, len(v.Items))
	for i, item := range v.Items {
		parts[i] = item.String()
	}
	return strings.Join(parts, ";")
}
func (CollectionValue) isValue() {}

// IsCollection reports whether v is a CollectionValue.
func IsCollection(v Value) bool {
	_, ok := v.(CollectionValue)
	return ok
}

// ParseValue converts submitted form text into a typed value for attr.
// No cross-type coercion happens: text that does not parse as the
// attribute's type is a validation error.
func ParseValue(attr *Attribute, raw string) (Value, error) {
	raw = strings.TrimSpace(raw)
	switch attr.Type {
	case TypeNumber:
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, NewValidationErrorCode(ErrCodeTypeMismatch, attr.Name, fmt.Sprintf("%q is not a number", raw))
		}
		return NumberValue{d}, nil
	case TypeString:
		return StringValue(raw), nil
	case TypeText:
		return TextValue(raw), nil
	case TypeDate:
		t, err := time.Parse(DateLayout, raw)
		if err != nil {
			return nil, NewValidationErrorCode(ErrCodeTypeMismatch, attr.Name, fmt.Sprintf("%q is not a date (YYYY-MM-DD)", raw))
		}
		return DateValue{t}, nil
	case TypeDateTime:
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, NewValidationErrorCode(ErrCodeTypeMismatch, attr.Name, fmt.Sprintf("%q is not an RFC 3339 datetime", raw))
		}
		return DateTimeValue{t}, nil
	case TypeChoice:
		return ChoiceValue(raw), nil
	case TypeBlob:
		return nil, NewValidationErrorCode(ErrCodeTypeMismatch, attr.Name, "blob values cannot be parsed from text")
	case TypeSection:
		return nil, NewValidationErrorCode(ErrCodeTypeMismatch, attr.Name, "sections do not hold values")
	}
	return nil, NewValidationErrorCode(ErrCodeTypeMismatch, attr.Name, fmt.Sprintf("unknown type %q", attr.Type))
}

// ParseValues parses one or many submitted strings, producing a
// CollectionValue for collection attributes.
func ParseValues(attr *Attribute, raws []string) (Value, error) {
	if !attr.IsCollection {
		if len(raws) != 1 {
			return nil, NewValidationErrorCode(ErrCodeTypeMismatch, attr.Name, "expected exactly one value")
		}
		return ParseValue(attr, raws[0])
	}
	coll := CollectionValue{Of: attr.Type, Items: make([]Value, 0, len(raws))}
	for _, raw := range raws {
		v, err := ParseValue(attr, raw)
		if err != nil {
			return nil, err
		}
		coll.Items = append(coll.Items, v)
	}
	return coll, nil
}
