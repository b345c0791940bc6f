package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/taskvault/internal/atomicfile"
	"github.com/msageha/taskvault/internal/model"
)

// Task is a classified task file.
type Task struct {
	Path             string         `json:"path"`
	Name             string         `json:"name"`
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Priority         model.Priority `json:"priority"`
	RequiresApproval bool           `json:"requires_approval"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Body             string         `json:"body,omitempty"`
}

// typesByPrefix maps filename prefixes to task types.
var typesByPrefix = []struct {
	prefix string
	typ    string
}{
	{"EMAIL_", "email"},
	{"LINKEDIN_", "linkedin"},
	{"EXECUTE_", "execute"},
	{"SALESPOST_", "sales_post"},
	{"SCHEDULE_", "schedule"},
	{"ODOO_", "odoo"},
	{"FACEBOOK_", "facebook"},
	{"INSTAGRAM_", "instagram"},
	{"TWITTER_", "twitter"},
	{"SOCIAL_", "social"},
	{"AUDIT_", "audit"},
	{"ERROR_", "error"},
	{"WHATSAPP_", "whatsapp"},
	{"PAYMENT_", "payment"},
}

// TypeForName returns the task type implied by a filename prefix, or "unknown".
func TypeForName(name string) string {
	for _, tp := range typesByPrefix {
		if strings.HasPrefix(name, tp.prefix) {
			return tp.typ
		}
	}
	return "unknown"
}

// Prefix returns the leading PREFIX_ of a filename, or "".
func Prefix(name string) string {
	if i := strings.Index(name, "_"); i > 0 {
		return name[:i+1]
	}
	return ""
}

// ReadTask reads and classifies the task file at path. Frontmatter values
// override the prefix-derived type.
func ReadTask(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", filepath.Base(path), err)
	}
	meta, body := ParseFrontmatter(string(data))

	name := filepath.Base(path)
	t := &Task{
		Path:     path,
		Name:     name,
		ID:       Stem(path),
		Type:     TypeForName(name),
		Priority: model.PriorityMedium,
		Metadata: meta,
		Body:     body,
	}
	if s, ok := meta["type"].(string); ok && s != "" {
		t.Type = s
	}
	if s, ok := meta["priority"].(string); ok {
		t.Priority = model.ParsePriority(s)
	}
	t.RequiresApproval = truthy(meta["requires_approval"])
	return t, nil
}

// Prefix returns the task's filename prefix.
func (t *Task) Prefix() string { return Prefix(t.Name) }

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(b) {
		case "true", "yes", "1":
			return true
		}
	}
	return false
}

// SanitizeName keeps letters, digits, '-' and '_' and replaces anything else with '_'.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// CreateTask writes <folder>/<PREFIX>_<safe name>.md with a created timestamp
// in its frontmatter and returns the path. An existing file is not overwritten.
func (v *Vault) CreateTask(f Folder, prefix, name string, meta map[string]any, body string) (string, error) {
	prefix = strings.TrimSuffix(prefix, "_")
	filename := fmt.Sprintf("%s_%s.md", prefix, SanitizeName(name))

	dir := v.Dir(f)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create %s: %w", f, err)
	}
	path := filepath.Join(dir, filename)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("task %s already exists in %s", filename, f)
	}

	if meta == nil {
		meta = map[string]any{}
	}
	if _, ok := meta["created"]; !ok {
		meta["created"] = v.now().Format(time.RFC3339)
	}

	content, err := RenderFrontmatter(meta, body)
	if err != nil {
		return "", err
	}
	if err := atomicfile.WriteRaw(path, content, nil); err != nil {
		return "", fmt.Errorf("write task %s: %w", filename, err)
	}
	return path, nil
}
