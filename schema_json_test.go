package occams

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaJSONRoundTrip(t *testing.T) {
	original := sampleSchema()

	raw, err := json.Marshal(ToJSON(original))
	require.NoError(t, err)

	var doc SchemaJSON
	require.NoError(t, json.Unmarshal(raw, &doc))
	restored, err := FromJSON(&doc)
	require.NoError(t, err)

	assert.Equal(t, original, restored)
}

func TestSchemaJSONRoundTripUnpublished(t *testing.T) {
	original := &Schema{Name: "draft", Title: "Draft", Storage: StorageEAV, Attributes: []*Attribute{}}
	restored, err := FromJSON(ToJSON(original))
	require.NoError(t, err)
	assert.Equal(t, original, restored)
	assert.Nil(t, restored.PublishDate)
}

func TestFromJSONOrdersSiblingsAndChoices(t *testing.T) {
	doc := &SchemaJSON{
		Name:  "form",
		Title: "Form",
		Attributes: map[string]*AttributeJSON{
			"b": {Type: TypeString, Order: 2},
			"a": {Type: TypeChoice, Order: 0, Choices: map[string]*ChoiceJSON{
				"2": {Title: "Two", Order: 1},
				"1": {Title: "One", Order: 0},
			}},
			"s": {Type: TypeSection, Order: 1},
		},
	}
	s, err := FromJSON(doc)
	require.NoError(t, err)

	assert.Equal(t, StorageEAV, s.Storage)
	require.Len(t, s.Attributes, 3)
	assert.Equal(t, "a", s.Attributes[0].Name)
	assert.Equal(t, "s", s.Attributes[1].Name)
	assert.Equal(t, "b", s.Attributes[2].Name)
	assert.Equal(t, "1", s.Attributes[0].Choices[0].Name)
	assert.Equal(t, "2", s.Attributes[0].Choices[1].Name)
}

func TestFromJSONRejects(t *testing.T) {
	t.Run("key name mismatch", func(t *testing.T) {
		_, err := FromJSON(&SchemaJSON{Name: "f", Attributes: map[string]*AttributeJSON{
			"a": {Name: "b", Type: TypeString},
		}})
		require.Error(t, err)
		assert.Equal(t, ErrCodeInvalidDocument, ErrorCode(err))
	})

	t.Run("nested section", func(t *testing.T) {
		_, err := FromJSON(&SchemaJSON{Name: "f", Attributes: map[string]*AttributeJSON{
			"outer": {Type: TypeSection, Attributes: map[string]*AttributeJSON{
				"inner": {Type: TypeSection, Attributes: map[string]*AttributeJSON{
					"leaf": {Type: TypeString},
				}},
			}},
		}})
		require.Error(t, err)
		assert.Equal(t, ErrCodeNestedSection, ErrorCode(err))
	})

	t.Run("bad date", func(t *testing.T) {
		_, err := FromJSON(&SchemaJSON{Name: "f", PublishDate: "01/02/2015"})
		require.Error(t, err)
		assert.Equal(t, "publish_date", ErrorField(err))
	})
}

func TestDecodeSchemaDocument(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		raw := []byte(`{
			"name": "vitals",
			"title": "Vitals",
			"storage": "eav",
			"publish_date": "2015-01-01",
			"attributes": {
				"weight": {"name": "weight", "title": "Weight", "type": "number", "order": 0}
			}
		}`)
		doc, err := DecodeSchemaDocument(raw, false)
		require.NoError(t, err)
		assert.Equal(t, "vitals", doc.Name)
		assert.Equal(t, TypeNumber, doc.Attributes["weight"].Type)
	})

	t.Run("yaml with numeric choice codes", func(t *testing.T) {
		raw := []byte(`
name: smoking
title: Smoking
publish_date: "2015-01-01"
attributes:
  smoker:
    title: Smoker?
    type: choice
    order: 0
    choices:
      0: {title: "No", order: 0}
      1: {title: "Yes", order: 1}
`)
		doc, err := DecodeSchemaDocument(raw, true)
		require.NoError(t, err)
		require.Contains(t, doc.Attributes, "smoker")
		assert.Len(t, doc.Attributes["smoker"].Choices, 2)
		assert.Equal(t, "Yes", doc.Attributes["smoker"].Choices["1"].Title)
	})

	t.Run("invalid type", func(t *testing.T) {
		raw := []byte(`{"name": "x", "title": "X", "attributes": {"a": {"type": "integer"}}}`)
		_, err := DecodeSchemaDocument(raw, false)
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
		assert.Equal(t, ErrCodeInvalidDocument, ErrorCode(err))
	})

	t.Run("missing title", func(t *testing.T) {
		_, err := DecodeSchemaDocument([]byte(`{"name": "x", "attributes": {}}`), false)
		require.Error(t, err)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := DecodeSchemaDocument([]byte(`{`), false)
		require.Error(t, err)
	})
}

func TestSchemaJSONValidate(t *testing.T) {
	assert.NoError(t, ToJSON(sampleSchema()).Validate())
	assert.NoError(t, (&SchemaJSON{Name: "draft", Title: "Draft"}).Validate())

	err := (&SchemaJSON{Name: "9vitals", Title: "Vitals"}).Validate()
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidDocument, ErrorCode(err))

	err = (&SchemaJSON{Name: "vitals", Title: "Vitals", Attributes: map[string]*AttributeJSON{
		"weight": {Type: TypeNumber, Widget: "slider"},
	}}).Validate()
	assert.Equal(t, ErrCodeInvalidDocument, ErrorCode(err))

	var missing *SchemaJSON
	assert.Equal(t, ErrCodeInvalidDocument, ErrorCode(missing.Validate()))
}
