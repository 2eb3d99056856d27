// Package template implements the TemplateResolver: substituting named
// placeholders drawn from a Task and Execution into a string, with a
// strftime-like {{date:FORMAT}} family for the current time.
package template

import (
	"regexp"
	"strconv"
	"time"

	"github.com/ncruces/go-strftime"
	"github.com/rakunlabs/taskcron/internal/task"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.:%/\-]+)\s*\}\}`)

// Resolve replaces every recognized {{name}} placeholder in tmpl with a
// value drawn from t and e. Unknown placeholders are left verbatim.
// Substituted values are never re-scanned for further placeholders.
func Resolve(tmpl string, t task.Task, e task.Execution) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := lookup(name, t, e); ok {
			return v
		}
		return match
	})
}

func lookup(name string, t task.Task, e task.Execution) (string, bool) {
	if format, ok := dateFormat(name); ok {
		return strftime.Format(format, time.Now()), true
	}

	switch name {
	case "task.id":
		return t.ID, true
	case "task.name":
		return t.Name, true
	case "task.type":
		return string(t.Type), true
	case "execution.id":
		return e.ID, true
	case "execution.status":
		return string(e.Status), true
	case "execution.started_at":
		if e.StartedAt.Valid {
			return e.StartedAt.V.Time.Format(time.RFC3339), true
		}
		return "", true
	case "execution.completed_at":
		if e.CompletedAt.Valid {
			return e.CompletedAt.V.Time.Format(time.RFC3339), true
		}
		return "", true
	case "execution.duration_ms":
		return strconv.FormatInt(e.DurationMS, 10), true
	default:
		return "", false
	}
}

const dateFormatPrefix = "date:"

func dateFormat(name string) (string, bool) {
	if len(name) <= len(dateFormatPrefix) || name[:len(dateFormatPrefix)] != dateFormatPrefix {
		return "", false
	}
	return name[len(dateFormatPrefix):], true
}
