package vault

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const fence = "---"

// ParseFrontmatter splits a Markdown document into its YAML header and body.
// A document without a well-formed header yields empty metadata and the
// trimmed text as body.
func ParseFrontmatter(text string) (map[string]any, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, fence) {
		return map[string]any{}, text
	}

	rest := text[len(fence):]
	end := strings.Index(rest, "\n"+fence)
	if end == -1 {
		return map[string]any{}, text
	}

	block := rest[:end]
	body := strings.TrimSpace(rest[end+len("\n"+fence):])

	meta := map[string]any{}
	if err := yaml.Unmarshal([]byte(block), &meta); err != nil {
		return map[string]any{}, text
	}
	if meta == nil {
		meta = map[string]any{}
	}
	return meta, body
}

// RenderFrontmatter joins metadata and body into a Markdown document.
func RenderFrontmatter(meta map[string]any, body string) ([]byte, error) {
	if len(meta) == 0 {
		return []byte(body + "\n"), nil
	}
	header, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(fence + "\n")
	buf.Write(header)
	buf.WriteString(fence + "\n\n")
	buf.WriteString(body)
	buf.WriteString("\n")
	return buf.Bytes(), nil
}
