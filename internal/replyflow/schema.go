package replyflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// deliverySchema is the shape contract for a webhook delivery body. It is
// deliberately loose about the per-field-group value shapes (the platform
// adds fields without notice); it pins down only what parsing relies on.
const deliverySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["object", "entry"],
	"properties": {
		"object": {"type": "string"},
		"entry": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id"],
				"properties": {
					"id": {"type": "string"},
					"time": {"type": "integer"},
					"messaging": {"type": "array", "items": {"type": "object"}},
					"comments": {"type": "array", "items": {"type": "object"}},
					"mentions": {"type": "array", "items": {"type": "object"}},
					"story_insights": {"type": "array", "items": {"type": "object"}},
					"media": {"type": "array", "items": {"type": "object"}},
					"account_review_status": {"type": "object"},
					"live_comments": {"type": "array", "items": {"type": "object"}}
				}
			}
		}
	}
}`

var (
	deliverySchemaOnce     sync.Once
	deliverySchemaCompiled *jsonschema.Schema
	deliverySchemaErr      error
)

func compiledDeliverySchema() (*jsonschema.Schema, error) {
	deliverySchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(deliverySchema))
		if err != nil {
			deliverySchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("delivery.json", doc); err != nil {
			deliverySchemaErr = err
			return
		}
		deliverySchemaCompiled, deliverySchemaErr = compiler.Compile("delivery.json")
	})
	return deliverySchemaCompiled, deliverySchemaErr
}

func validateDelivery(body []byte) error {
	schema, err := compiledDeliverySchema()
	if err != nil {
		return fmt.Errorf("compile delivery schema: %w", err)
	}
	var instance any
	if err := json.Unmarshal(body, &instance); err != nil {
		return err
	}
	return schema.Validate(instance)
}
