package skill

import "errors"

// Skill names understood by the CLI.
const (
	CreatePlan      = "create_plan"
	CompleteTask    = "complete_task"
	ExecuteAction   = "execute_action"
	UpdateDashboard = "update_dashboard"
)

var skillsByType = map[string]string{
	"sales_post": "generate_sales_post",
	"odoo":       "sync_odoo_transactions",
	"facebook":   "generate_social_post",
	"instagram":  "generate_social_post",
	"twitter":    "generate_social_post",
	"social":     "summarize_social_activity",
	"audit":      "weekly_audit",
	"error":      "handle_error",
	"whatsapp":   "whatsapp_reply",
	"payment":    "process_payment",
	"execute":    ExecuteAction,
}

// ForType returns the execution skill for a task type; complete_task by default.
func ForType(taskType string) string {
	if s, ok := skillsByType[taskType]; ok {
		return s
	}
	return CompleteTask
}

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
