// Package jsoncodec wraps the JSON codec used for message payloads.
package jsoncodec

import "github.com/bytedance/sonic"

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// UnmarshalFields decodes a JSON object into the generic field map used by
// untyped payloads.
func UnmarshalFields(data []byte) (map[string]any, error) {
	fields := map[string]any{}
	if len(data) == 0 {
		return fields, nil
	}
	if err := defaultConfig.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
