package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/msageha/taskvault/internal/skill"
	"github.com/msageha/taskvault/internal/vault"
)

const (
	TypeFinance  = "finance"
	TypeSales    = "sales"
	TypeContent  = "content"
	TypeSecurity = "security"
)

// SensitiveKeywords trigger a security review of outgoing content.
var SensitiveKeywords = []string{
	"password", "credential", "secret", "token", "api_key",
	"bank", "transfer", "payment", "invoice", "wire",
}

var defaultCapabilities = map[string][]Capability{
	TypeFinance: {
		{Name: "odoo_accounting", Description: "Draft invoices and sync ERP transactions", Prefixes: []string{"ODOO_"}, Priority: 10},
		{Name: "payment_review", Description: "Review payment requests before approval", Prefixes: []string{"PAYMENT_"}, Priority: 10},
		{Name: "financial_audit", Description: "Run audits and produce briefings", Prefixes: []string{"AUDIT_"}, Priority: 8},
	},
	TypeSales: {
		{Name: "email_response", Description: "Draft replies to prospects and clients", Prefixes: []string{"EMAIL_"}, Priority: 8},
		{Name: "linkedin_outreach", Description: "Draft LinkedIn messages", Prefixes: []string{"LINKEDIN_"}, Priority: 9},
		{Name: "sales_content", Description: "Generate sales posts", Prefixes: []string{"SALESPOST_"}, Priority: 10},
	},
	TypeContent: {
		{Name: "facebook_post", Description: "Draft Facebook posts", Prefixes: []string{"FACEBOOK_"}, Priority: 9},
		{Name: "instagram_post", Description: "Draft Instagram posts", Prefixes: []string{"INSTAGRAM_"}, Priority: 9},
		{Name: "twitter_post", Description: "Draft tweets", Prefixes: []string{"TWITTER_"}, Priority: 9},
		{Name: "social_summary", Description: "Summarise social activity", Prefixes: []string{"SOCIAL_"}, Priority: 7},
		{Name: "whatsapp_reply", Description: "Draft WhatsApp replies", Prefixes: []string{"WHATSAPP_"}, Priority: 8},
	},
	TypeSecurity: {
		{Name: "error_investigation", Description: "Investigate errors for security implications", Prefixes: []string{"ERROR_"}, Priority: 7},
		{Name: "execution_validation", Description: "Validate approved actions before execution", Prefixes: []string{"EXECUTE_"}, Priority: 5},
		{Name: "schedule_audit", Description: "Audit scheduled tasks for policy compliance", Prefixes: []string{"SCHEDULE_"}, Priority: 3},
	},
}

// DefaultCapabilities returns a copy of the stock capability set for typ.
func DefaultCapabilities(typ string) []Capability {
	caps := defaultCapabilities[typ]
	out := make([]Capability, len(caps))
	copy(out, caps)
	return out
}

// NewAgentID returns "<type>-<8 hex chars>".
func NewAgentID(typ string) string {
	return fmt.Sprintf("%s-%s", typ, uuid.NewString()[:8])
}

// DefaultSpecialists builds the finance, sales, content and security agents.
// The first three run their type's skill through inv; security runs the
// keyword review locally.
func DefaultSpecialists(inv skill.Invoker) []*Specialist {
	out := make([]*Specialist, 0, 4)
	for _, typ := range []string{TypeFinance, TypeSales, TypeContent} {
		out = append(out, NewSpecialist(NewAgentID(typ), typ, DefaultCapabilities(typ), SkillExecutor(typ, inv)))
	}
	out = append(out, NewSpecialist(NewAgentID(TypeSecurity), TypeSecurity, DefaultCapabilities(TypeSecurity), securityExecutor))
	return out
}

// SkillExecutor runs the task type's skill and returns its output.
func SkillExecutor(agentType string, inv skill.Invoker) Executor {
	return func(ctx context.Context, task *vault.Task) (string, error) {
		res := inv.Invoke(ctx, skill.Request{
			Skill:   skill.ForType(task.Type),
			Context: TaskContext(agentType, task),
			TaskID:  task.ID,
		})
		if res.Err != nil {
			return "", res.Err
		}
		return res.Output, nil
	}
}

// TaskContext renders the context block handed to a skill.
func TaskContext(agentType string, task *vault.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s\n", agentType)
	fmt.Fprintf(&b, "File: %s\n", task.Name)
	fmt.Fprintf(&b, "Type: %s\n", task.Type)
	fmt.Fprintf(&b, "Priority: %s\n", task.Priority)
	fmt.Fprintf(&b, "Requires Approval: %t\n\n", task.RequiresApproval)
	fmt.Fprintf(&b, "Content:\n%s", task.Body)
	return b.String()
}

// ScanResult is the security review of a piece of outgoing content.
type ScanResult struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues,omitempty"`
}

// ScanOutgoing flags sensitive keywords in content.
func ScanOutgoing(content string) ScanResult {
	lower := strings.ToLower(content)
	var issues []string
	for _, kw := range SensitiveKeywords {
		if strings.Contains(lower, kw) {
			issues = append(issues, fmt.Sprintf("sensitive keyword %q", kw))
		}
	}
	return ScanResult{Passed: len(issues) == 0, Issues: issues}
}

var errEmptyTask = errors.New("empty task")

func securityExecutor(_ context.Context, task *vault.Task) (string, error) {
	if task == nil {
		return "", errEmptyTask
	}
	scan := ScanOutgoing(task.Body)
	switch task.Prefix() {
	case "ERROR_":
		if !scan.Passed {
			return fmt.Sprintf("SECURITY ALERT: error %s mentions %s. Flagged for manual review.",
				task.Name, strings.Join(scan.Issues, ", ")), nil
		}
		return fmt.Sprintf("Error %s investigated. No security implications found. Safe to retry.", task.Name), nil
	case "EXECUTE_":
		if !scan.Passed {
			return fmt.Sprintf("VALIDATION WARNING for %s: %s. Recommend additional review.",
				task.Name, strings.Join(scan.Issues, "; ")), nil
		}
		return fmt.Sprintf("Execution validated for %s. No policy violations detected.", task.Name), nil
	default:
		return fmt.Sprintf("Security scan completed for %s: no issues found", task.Name), nil
	}
}
