package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSONObject returns the span from the first '{' to the last '}' of a
// model reply. Models often wrap the object in prose.
func ExtractJSONObject(reply string) ([]byte, error) {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end <= start {
		return nil, ErrNoJSON
	}
	span := []byte(reply[start : end+1])
	if !json.Valid(span) {
		return nil, fmt.Errorf("%w: invalid json", ErrNoJSON)
	}
	return span, nil
}

// TagAnalysisType sets "analysis_type" on a JSON object.
func TagAnalysisType(doc []byte, analysisType string) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	m["analysis_type"] = analysisType
	return json.Marshal(m)
}
