package providers

import (
	"encoding/json"
	"fmt"
	"slices"

	"aiproxy/config"
)

// ApplyParams merges per-target params into the top level of a JSON payload.
// Params override request-derived fields, except the reserved keys which are
// never touched. The output has sorted keys, so equal inputs give equal bytes.
func ApplyParams(body []byte, params map[string]any) ([]byte, error) {
	if len(params) == 0 {
		return body, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, len(params))
	}
	for k, v := range params {
		if slices.Contains(config.ReservedParams, k) {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", k, err)
		}
		fields[k] = raw
	}
	return json.Marshal(fields)
}

// MarshalWithParams encodes payload and merges params into it.
func MarshalWithParams(payload any, params map[string]any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return ApplyParams(body, params)
}
