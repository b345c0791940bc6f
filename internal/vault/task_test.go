package vault

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskvault/internal/model"
)

func TestParseFrontmatter(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantMeta map[string]any
		wantBody string
	}{
		{
			name:     "with header",
			text:     "---\ntype: email\npriority: high\n---\n\n# Reply\nbody",
			wantMeta: map[string]any{"type": "email", "priority": "high"},
			wantBody: "# Reply\nbody",
		},
		{
			name:     "no header",
			text:     "just text\n",
			wantMeta: map[string]any{},
			wantBody: "just text",
		},
		{
			name:     "unterminated header",
			text:     "---\ntype: email\n",
			wantMeta: map[string]any{},
			wantBody: "---\ntype: email",
		},
		{
			name:     "invalid yaml",
			text:     "---\n: [\n---\nbody",
			wantMeta: map[string]any{},
			wantBody: "---\n: [\n---\nbody",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, body := ParseFrontmatter(tt.text)
			assert.Equal(t, tt.wantMeta, meta)
			assert.Equal(t, tt.wantBody, body)
		})
	}
}

func TestRenderFrontmatter_RoundTrip(t *testing.T) {
	meta := map[string]any{"type": "odoo", "requires_approval": true}
	content, err := RenderFrontmatter(meta, "Create invoice")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), "---\n"))

	gotMeta, gotBody := ParseFrontmatter(string(content))
	assert.Equal(t, meta, gotMeta)
	assert.Equal(t, "Create invoice", gotBody)
}

func TestReadTask_Classification(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		file     string
		content  string
		typ      string
		priority model.Priority
		approval bool
	}{
		{"EMAIL_client.md", "hello", "email", model.PriorityMedium, false},
		{"ODOO_invoice.md", "---\npriority: high\nrequires_approval: true\n---\nbody", "odoo", model.PriorityHigh, true},
		{"SALESPOST_launch.md", "---\npriority: low\n---\n", "sales_post", model.PriorityLow, false},
		{"RANDOM_x.md", "---\ntype: custom\nrequires_approval: \"yes\"\n---\n", "custom", model.PriorityMedium, true},
		{"notes.md", "", "unknown", model.PriorityMedium, false},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			task, err := ReadTask(path)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, task.Type)
			assert.Equal(t, tt.priority, task.Priority)
			assert.Equal(t, tt.approval, task.RequiresApproval)
			assert.Equal(t, strings.TrimSuffix(tt.file, ".md"), task.ID)
		})
	}
}

func TestReadTask_Missing(t *testing.T) {
	_, err := ReadTask(filepath.Join(t.TempDir(), "nope.md"))
	assert.Error(t, err)
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, "EMAIL_", Prefix("EMAIL_abc.md"))
	assert.Equal(t, "", Prefix("noprefix.md"))
	assert.Equal(t, "", Prefix("_lead.md"))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "Invoice_42_for_ACME-co", SanitizeName("Invoice 42/for ACME-co"))
}

func TestCreateTask(t *testing.T) {
	v := newTestVault(t)

	path, err := v.CreateTask(FolderNeedsAction, "EMAIL_", "Reply to Bob!", map[string]any{"priority": "high"}, "Draft a reply")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(v.Dir(FolderNeedsAction), "EMAIL_Reply_to_Bob_.md"), path)

	task, err := ReadTask(path)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityHigh, task.Priority)
	assert.Contains(t, task.Metadata, "created")
	assert.Equal(t, "Draft a reply", task.Body)

	_, err = v.CreateTask(FolderNeedsAction, "EMAIL", "Reply to Bob!", nil, "again")
	assert.Error(t, err)
}
