// Package interceptor serves the script that keeps in-page navigation inside the proxy.
package interceptor

import (
	_ "embed"
	"encoding/json"
	"fmt"
)

//go:embed interceptor.js
var source []byte

// Routes mirrors the proxy route table as seen by the script.
type Routes struct {
	Page  string `json:"page"`
	Asset string `json:"asset"`
	Relay string `json:"relay"`
}

// Config is serialized into the preamble of the served script.
type Config struct {
	Prefix string   `json:"prefix"`
	Routes Routes   `json:"routes"`
	Spoof  []string `json:"spoof"`
}

// Script renders the interceptor with cfg assigned to __pageproxyConfig.
func Script(cfg Config) ([]byte, error) {
	if cfg.Spoof == nil {
		cfg.Spoof = []string{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal interceptor config: %w", err)
	}

	out := make([]byte, 0, len(source)+len(data)+96)
	out = append(out, "(typeof window !== 'undefined' ? window : this).__pageproxyConfig = "...)
	out = append(out, data...)
	out = append(out, ";\n"...)
	out = append(out, source...)
	return out, nil
}
