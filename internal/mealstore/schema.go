package mealstore

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// analysisSchemaJSON constrains what the inference service may hand back.
// A response that fails it is treated like any other analysis failure.
const analysisSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["title", "meal_items", "total_meal_nutritional_values"],
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "meal_items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["item_name", "calories", "total_carbohydrate_g", "protein_g", "total_fat_g"],
        "properties": {
          "item_name": {"type": "string"},
          "estimated_serving_size": {"type": "string"},
          "calories": {"type": "number", "minimum": 0},
          "total_carbohydrate_g": {"type": "number", "minimum": 0},
          "protein_g": {"type": "number", "minimum": 0},
          "total_fat_g": {"type": "number", "minimum": 0},
          "notes": {"type": "string"}
        }
      }
    },
    "total_meal_nutritional_values": {
      "type": "object",
      "required": ["total_calories", "total_total_carbohydrate_g", "total_protein_g", "total_total_fat_g"],
      "properties": {
        "total_calories": {"type": "number", "minimum": 0},
        "total_total_carbohydrate_g": {"type": "number", "minimum": 0},
        "total_protein_g": {"type": "number", "minimum": 0},
        "total_total_fat_g": {"type": "number", "minimum": 0}
      }
    },
    "meal_insights": {
      "type": "object",
      "properties": {
        "health_benefits": {"type": "array", "items": {"type": "string"}},
        "health_concerns": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

// bundleRecordSchemaJSON validates records arriving via import bundles
// before they are allowed anywhere near the store.
const bundleRecordSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "timestamp"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string", "minLength": 1},
    "comment": {"type": "string"},
    "state": {"enum": ["none", "pending", "analyzing", "complete", "error"]},
    "imageData": {"type": "string"},
    "afterImageData": {"type": "string"},
    "imageExt": {"type": "string"},
    "afterImageExt": {"type": "string"},
    "analysis": {"type": ["object", "null"]}
  }
}`

var (
	schemaOnce         sync.Once
	schemaErr          error
	analysisSchema     *jsonschema.Schema
	bundleRecordSchema *jsonschema.Schema
)

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	for name, raw := range map[string]string{
		"analysis.schema.json":      analysisSchemaJSON,
		"bundle-record.schema.json": bundleRecordSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			schemaErr = fmt.Errorf("parse %s: %w", name, err)
			return
		}
		if err := compiler.AddResource(name, doc); err != nil {
			schemaErr = fmt.Errorf("add %s: %w", name, err)
			return
		}
	}
	if analysisSchema, schemaErr = compiler.Compile("analysis.schema.json"); schemaErr != nil {
		return
	}
	bundleRecordSchema, schemaErr = compiler.Compile("bundle-record.schema.json")
}

func validateAgainst(schema func() *jsonschema.Schema, data []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema().Validate(value)
}

// ValidateAnalysisPayload checks a raw inference response body against the
// analysis schema.
func ValidateAnalysisPayload(data []byte) error {
	return validateAgainst(func() *jsonschema.Schema { return analysisSchema }, data)
}

// ValidateBundleRecord checks one raw bundle record document.
func ValidateBundleRecord(data []byte) error {
	return validateAgainst(func() *jsonschema.Schema { return bundleRecordSchema }, data)
}
