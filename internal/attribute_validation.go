package internal

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/lychee-technology/occams"
)

// reservedWords cannot be used as attribute names: they are SQL keywords
// or collide with report system columns.
var reservedWords = map[string]struct{}{
	// SQL
	"all": {}, "and": {}, "any": {}, "as": {}, "asc": {}, "between": {}, "case": {}, "cast": {},
	"check": {}, "column": {}, "constraint": {}, "create": {}, "default": {}, "delete": {},
	"desc": {}, "distinct": {}, "do": {}, "else": {}, "end": {}, "except": {}, "false": {},
	"for": {}, "foreign": {}, "from": {}, "grant": {}, "group": {}, "having": {}, "in": {},
	"insert": {}, "intersect": {}, "into": {}, "is": {}, "join": {}, "like": {}, "limit": {},
	"not": {}, "null": {}, "offset": {}, "on": {}, "or": {}, "order": {}, "primary": {},
	"references": {}, "select": {}, "table": {}, "then": {}, "to": {}, "true": {}, "union": {},
	"unique": {}, "update": {}, "user": {}, "using": {}, "when": {}, "where": {}, "with": {},
	// report system columns
	"id": {}, "pid": {}, "site": {}, "enrollment": {}, "enrollment_ids": {}, "visit_id": {},
	"visit_date": {}, "visit_cycles": {}, "collect_date": {}, "is_null": {}, "state": {},
	"create_date": {}, "create_user": {}, "modify_date": {}, "modify_user": {},
	"block_number": {}, "randid": {}, "arm_name": {},
}

// IsReservedWord reports whether name may not be used for an attribute.
func IsReservedWord(name string) bool {
	_, ok := reservedWords[occams.NormalizeName(name)]
	return ok
}

// validateAttributeSpec checks everything about an attribute definition that
// does not need the rest of the tree. Uniqueness and placement are checked
// against the tree by the registry.
func validateAttributeSpec(spec occams.AttributeSpec) error {
	if err := validateStruct(spec); err != nil {
		return err
	}
	if IsReservedWord(spec.Name) {
		return occams.NewValidationErrorCode(occams.ErrCodeReservedWord, "name",
			fmt.Sprintf("%q is a reserved word", spec.Name))
	}
	if !occams.WidgetAllowed(spec.Type, spec.IsCollection, spec.Widget) {
		return occams.NewValidationErrorCode(occams.ErrCodeInvalidWidget, "widget",
			fmt.Sprintf("widget %q is not legal for %s (collection=%t); legal: %v",
				spec.Widget, spec.Type, spec.IsCollection, occams.LegalWidgets(spec.Type, spec.IsCollection)))
	}
	if spec.ValueMin != nil && spec.ValueMax != nil && !(*spec.ValueMin < *spec.ValueMax) {
		return occams.NewValidationErrorCode(occams.ErrCodeInvalidBounds, "value_min",
			fmt.Sprintf("value_min (%v) must be less than value_max (%v)", *spec.ValueMin, *spec.ValueMax))
	}
	if spec.CollectionMin != nil && spec.CollectionMax != nil && !(*spec.CollectionMin < *spec.CollectionMax) {
		return occams.NewValidationErrorCode(occams.ErrCodeInvalidBounds, "collection_min",
			fmt.Sprintf("collection_min (%d) must be less than collection_max (%d)", *spec.CollectionMin, *spec.CollectionMax))
	}
	if (spec.CollectionMin != nil || spec.CollectionMax != nil) && !spec.IsCollection {
		return occams.NewValidationErrorCode(occams.ErrCodeInvalidBounds, "collection_min",
			"collection bounds require is_collection")
	}
	if spec.DecimalPlaces != nil && spec.Type != occams.TypeNumber {
		return occams.NewValidationError("decimal_places", "decimal_places only applies to number attributes")
	}
	if spec.Type == occams.TypeSection && spec.IsCollection {
		return occams.NewValidationError("is_collection", "sections cannot be collections")
	}
	if spec.Pattern != "" {
		if spec.Type != occams.TypeString && spec.Type != occams.TypeText {
			return occams.NewValidationError("pattern", "pattern only applies to string and text attributes")
		}
		if _, err := regexp.Compile(spec.Pattern); err != nil {
			return occams.NewValidationError("pattern", fmt.Sprintf("invalid regular expression: %v", err))
		}
	}
	if len(spec.Choices) > 0 && spec.Type != occams.TypeChoice {
		return occams.NewValidationError("choices", "only choice attributes carry choices")
	}
	seen := make(map[string]struct{}, len(spec.Choices))
	for i, c := range spec.Choices {
		if _, dup := seen[c.Name]; dup {
			return occams.NewValidationErrorCode(occams.ErrCodeDuplicateName,
				fmt.Sprintf("choices[%d].name", i), fmt.Sprintf("duplicate choice %q", c.Name))
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// validateChoiceSpec checks a single choice added after creation.
func validateChoiceSpec(spec occams.ChoiceSpec) error {
	err := validateStruct(spec)
	if err != nil && occams.ErrorField(err) == "name" {
		var oe *occams.OccamsError
		if errors.As(err, &oe) {
			oe.Code = occams.ErrCodeInvalidChoiceName
		}
	}
	return err
}
