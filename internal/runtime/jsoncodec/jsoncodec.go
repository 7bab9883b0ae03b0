// Package jsoncodec is the single JSON implementation used for every wire
// payload. sonic.ConfigStd keeps encoding/json behaviour for map key
// ordering and HTML escaping.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Valid reports whether data is a syntactically valid JSON document.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

// Decode reads at most limit bytes from r into v. A non-positive limit
// reads until EOF.
func Decode(r io.Reader, v any, limit int64) error {
	if limit > 0 {
		r = io.LimitReader(r, limit)
	}
	return defaultConfig.NewDecoder(r).Decode(v)
}
