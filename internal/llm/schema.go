package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/docjobs/constants"
)

// ProfileSchema returns the JSON schema a profile's analysis must satisfy.
// Every member is optional; the schema only pins down shapes.
func ProfileSchema(profile constants.AnalysisProfile) map[string]any {
	props := map[string]any{
		"analysis_type": map[string]any{"type": "string"},
	}
	switch profile {
	case constants.ProfileInvoice:
		props["vendor"] = str()
		props["invoice_number"] = str()
		props["date"] = str()
		props["due_date"] = str()
		props["total_amount"] = amount()
		props["currency"] = str()
		props["tax"] = amount()
		props["subtotal"] = amount()
		props["line_items"] = arrayOf(object(map[string]any{
			"description": str(),
			"quantity":    map[string]any{"type": []string{"number", "string"}},
			"unit_price":  amount(),
			"total":       amount(),
		}))
	case constants.ProfileContract:
		props["contract_type"] = str()
		props["parties"] = arrayOf(str())
		props["effective_date"] = str()
		props["expiration_date"] = str()
		props["key_terms"] = arrayOf(object(map[string]any{
			"term":    str(),
			"details": str(),
		}))
		props["obligations"] = map[string]any{
			"type":                 "object",
			"additionalProperties": arrayOf(str()),
		}
		props["important_clauses"] = arrayOf(str())
	case constants.ProfileForm:
		props["form_type"] = str()
		props["fields"] = arrayOf(object(map[string]any{
			"label": str(),
			"value": map[string]any{"type": []string{"string", "number", "boolean"}},
		}))
		props["checkboxes"] = arrayOf(object(map[string]any{
			"label":   str(),
			"checked": map[string]any{"type": "boolean"},
		}))
		props["completeness"] = str()
	default:
		props["summary"] = str()
		props["key_points"] = arrayOf(str())
		props["document_type"] = str()
		props["entities"] = object(map[string]any{
			"people":        arrayOf(str()),
			"organizations": arrayOf(str()),
			"dates":         arrayOf(str()),
			"locations":     arrayOf(str()),
		})
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
	}
}

func str() map[string]any { return map[string]any{"type": "string"} }

func amount() map[string]any { return map[string]any{"type": []string{"string", "number"}} }

func arrayOf(item map[string]any) map[string]any {
	return map[string]any{"type": "array", "items": item}
}

func object(props map[string]any) map[string]any {
	return map[string]any{"type": "object", "properties": props}
}

// ValidateJSONAgainstSchema validates "data" against "schemaMap".
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %w", ErrSchema, err)
	}
	return nil
}
