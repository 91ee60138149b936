package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/tonkeeper/ssestream"
)

type printer struct {
	out     io.Writer
	field   string
	raw     bool
	verbose bool
}

func (p printer) print(m ssestream.Message) error {
	text := m.Data
	if p.field != "" {
		v, err := extractField(m.Data, p.field)
		if err != nil {
			return err
		}
		text = v
	}
	if p.verbose {
		text = fmt.Sprintf("[%s %s] %s", m.Event, m.ID, text)
	}
	if p.raw {
		_, err := io.WriteString(p.out, text)
		return err
	}
	_, err := fmt.Fprintln(p.out, text)
	return err
}

// extractField returns a top-level field of a JSON object. Strings are
// returned unquoted, anything else as JSON.
func extractField(data, name string) (string, error) {
	var obj map[string]interface{}
	if err := sonic.UnmarshalString(data, &obj); err != nil {
		return "", fmt.Errorf("data is not a JSON object: %w", err)
	}
	v, ok := obj[name]
	if !ok {
		return "", fmt.Errorf("field %q not found", name)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return sonic.MarshalString(v)
}

func parseHeaders(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(values))
	for _, h := range values {
		key, value, ok := strings.Cut(h, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, expected 'Key: value'", h)
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers, nil
}
