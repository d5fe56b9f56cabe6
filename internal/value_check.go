package internal

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/lychee-technology/occams"
	"github.com/shopspring/decimal"
)

// valueTable names the value table holding an attribute type, or "" for
// sections.
func valueTable(t occams.AttributeType) string {
	switch t {
	case occams.TypeNumber:
		return "value_decimal"
	case occams.TypeString:
		return "value_string"
	case occams.TypeText:
		return "value_text"
	case occams.TypeDate, occams.TypeDateTime:
		return "value_datetime"
	case occams.TypeBlob:
		return "value_blob"
	case occams.TypeChoice:
		return "value_choice"
	}
	return ""
}

// checkValue verifies v against attr before anything is written: type,
// collection shape and count, numeric or length bounds, decimal places,
// pattern and choice membership.
func checkValue(attr *occams.Attribute, v occams.Value) error {
	if valueTable(attr.Type) == "" {
		return occams.NewValidationErrorCode(occams.ErrCodeTypeMismatch, attr.Name, "sections do not hold values")
	}
	if v.Type() != attr.Type {
		return occams.NewValidationErrorCode(occams.ErrCodeTypeMismatch, attr.Name,
			fmt.Sprintf("got a %s value for a %s attribute", v.Type(), attr.Type))
	}
	coll, isColl := v.(occams.CollectionValue)
	if attr.IsCollection != isColl {
		if attr.IsCollection {
			return occams.NewValidationErrorCode(occams.ErrCodeTypeMismatch, attr.Name, "collection attribute needs a collection value")
		}
		return occams.NewValidationErrorCode(occams.ErrCodeTypeMismatch, attr.Name, "attribute holds a single value")
	}
	if !isColl {
		return checkItem(attr, v)
	}
	n := len(coll.Items)
	if attr.CollectionMin != nil && n < *attr.CollectionMin {
		return occams.NewValidationErrorCode(occams.ErrCodeOutOfRange, attr.Name,
			fmt.Sprintf("needs at least %d values, got %d", *attr.CollectionMin, n))
	}
	if attr.CollectionMax != nil && n > *attr.CollectionMax {
		return occams.NewValidationErrorCode(occams.ErrCodeOutOfRange, attr.Name,
			fmt.Sprintf("allows at most %d values, got %d", *attr.CollectionMax, n))
	}
	for _, item := range coll.Items {
		if occams.IsCollection(item) || item.Type() != attr.Type {
			return occams.NewValidationErrorCode(occams.ErrCodeTypeMismatch, attr.Name,
				fmt.Sprintf("collection item is a %s, want %s", item.Type(), attr.Type))
		}
		if err := checkItem(attr, item); err != nil {
			return err
		}
	}
	return nil
}

func checkItem(attr *occams.Attribute, v occams.Value) error {
	switch val := v.(type) {
	case occams.NumberValue:
		return checkNumber(attr, val.Decimal)
	case occams.StringValue:
		return checkText(attr, string(val))
	case occams.TextValue:
		return checkText(attr, string(val))
	case occams.ChoiceValue:
		if attr.ChoiceByName(string(val)) == nil {
			return occams.NewValidationError(attr.Name, fmt.Sprintf("%q is not a choice of %s", string(val), attr.Name))
		}
	case occams.BlobValue:
		if val.FileName == "" {
			return occams.NewValidationError(attr.Name, "blob values need a file name")
		}
	}
	return nil
}

func checkNumber(attr *occams.Attribute, d decimal.Decimal) error {
	if attr.ValueMin != nil && d.LessThan(decimal.NewFromFloat(*attr.ValueMin)) {
		return occams.NewValidationErrorCode(occams.ErrCodeOutOfRange, attr.Name,
			fmt.Sprintf("%s is below the minimum %v", d, *attr.ValueMin))
	}
	if attr.ValueMax != nil && d.GreaterThan(decimal.NewFromFloat(*attr.ValueMax)) {
		return occams.NewValidationErrorCode(occams.ErrCodeOutOfRange, attr.Name,
			fmt.Sprintf("%s is above the maximum %v", d, *attr.ValueMax))
	}
	if attr.DecimalPlaces != nil && !d.Equal(d.Truncate(int32(*attr.DecimalPlaces))) {
		return occams.NewValidationErrorCode(occams.ErrCodeOutOfRange, attr.Name,
			fmt.Sprintf("%s has more than %d decimal places", d, *attr.DecimalPlaces))
	}
	return nil
}

// checkText applies value_min/value_max as character-length bounds and the
// pattern as a whole-value match.
func checkText(attr *occams.Attribute, s string) error {
	n := float64(utf8.RuneCountInString(s))
	if attr.ValueMin != nil && n < *attr.ValueMin {
		return occams.NewValidationErrorCode(occams.ErrCodeOutOfRange, attr.Name,
			fmt.Sprintf("must be at least %v characters", *attr.ValueMin))
	}
	if attr.ValueMax != nil && n > *attr.ValueMax {
		return occams.NewValidationErrorCode(occams.ErrCodeOutOfRange, attr.Name,
			fmt.Sprintf("must be at most %v characters", *attr.ValueMax))
	}
	if attr.Pattern != "" {
		re, err := regexp.Compile(`^(?:` + attr.Pattern + `)$`)
		if err != nil {
			return occams.NewInternalError("stored pattern does not compile", err)
		}
		if !re.MatchString(s) {
			return occams.NewValidationErrorCode(occams.ErrCodePatternMismatch, attr.Name,
				fmt.Sprintf("%q does not match %s", s, attr.Pattern))
		}
	}
	return nil
}
