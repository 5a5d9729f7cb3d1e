// Package notify delivers job outcome notifications. The pipeline's
// notifications stage renders a use-case template and hands the result
// to a Notifier; delivery failures annotate the stage but never fail
// the job.
package notify

import (
	"context"
	"fmt"
	"strings"
)

// Notifier sends one rendered notification.
type Notifier interface {
	Send(ctx context.Context, subject, body string) error
}

// Noop discards every notification. It is wired when no webhook is
// configured so the notifications stage stays uniform.
type Noop struct{}

func (Noop) Send(ctx context.Context, subject, body string) error { return nil }

// RenderTemplate substitutes every {{key}} placeholder in template with
// the stringified context value. Unknown placeholders are left as-is.
func RenderTemplate(template string, context map[string]any) string {
	out := template
	for key, value := range context {
		out = strings.ReplaceAll(out, "{{"+key+"}}", fmt.Sprintf("%v", value))
	}
	return out
}

// PickTemplate selects the template matching severity (case-folded),
// falling back to the "success" template.
func PickTemplate(templates map[string]string, severity string) string {
	if t, ok := templates[strings.ToLower(severity)]; ok {
		return t
	}
	return templates["success"]
}
