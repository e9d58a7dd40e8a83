package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// DropEmptyValues removes null and blank-string members at any depth so that
// optional fields the model left empty do not fail type checks. It returns
// the dotted paths it removed.
func DropEmptyValues(raw []byte, logger *slog.Logger) ([]byte, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}
	var dropped []string
	v = prune(v, "", &dropped)
	out, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("sanitize: encode: %w", err)
	}
	if len(dropped) > 0 {
		logger.Debug("llm.sanitize.dropped", "paths", dropped)
	}
	return out, dropped, nil
}

func prune(v any, path string, dropped *[]string) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			p := k
			if path != "" {
				p = path + "." + k
			}
			if isEmpty(child) {
				delete(t, k)
				*dropped = append(*dropped, p)
				continue
			}
			t[k] = prune(child, p, dropped)
		}
		return t
	case []any:
		out := t[:0]
		for i, child := range t {
			if isEmpty(child) {
				*dropped = append(*dropped, fmt.Sprintf("%s[%d]", path, i))
				continue
			}
			out = append(out, prune(child, fmt.Sprintf("%s[%d]", path, i), dropped))
		}
		return out
	default:
		return v
	}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}
