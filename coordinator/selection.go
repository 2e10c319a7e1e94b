package coordinator

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// candidateKeys are the response fields tasks may be listed under, in the
// varied shapes the task service and its proxies return.
var candidateKeys = []string{
	"tasks", "next_task", "active_task", "current_task",
	"items", "issues", "tickets", "stories", "work_items",
	"backlog", "in_progress",
}

// statusExcludeThreshold filters tasks that need no work: done and beyond.
const statusExcludeThreshold = 5

// candidate is one scored task during selection.
type candidate struct {
	task           map[string]any
	statusPriority int
	priorityScore  float64
	due            time.Time
	hasDue         bool
	order          float64
	hasOrder       bool
	insertion      int
}

// FlattenTasks extracts every task object from a project response body,
// looking under each known candidate key. Single objects and arrays are
// both accepted.
func FlattenTasks(body []byte) []map[string]any {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}

	var out []map[string]any
	for _, key := range candidateKeys {
		switch v := payload[key].(type) {
		case []any:
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					out = append(out, m)
				}
			}
		case map[string]any:
			out = append(out, v)
		}
	}
	return out
}

// SelectNextTask scores the candidates and returns the highest-ranked
// workable task, or nil when nothing is selectable.
func SelectNextTask(tasks []map[string]any) map[string]any {
	var candidates []candidate
	for i, task := range tasks {
		status, _ := task["status"].(string)
		prio := statusPriority(status)
		if prio >= statusExcludeThreshold {
			continue
		}

		c := candidate{
			task:           task,
			statusPriority: prio,
			insertion:      i,
		}
		if score, ok := numberField(task, "priority_score"); ok {
			c.priorityScore = score
		}
		if due, ok := earliestDue(task); ok {
			c.due, c.hasDue = due, true
		}
		for _, key := range []string{"order", "position", "rank"} {
			if v, ok := numberField(task, key); ok {
				c.order, c.hasOrder = v, true
				break
			}
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.statusPriority != b.statusPriority {
			return a.statusPriority < b.statusPriority
		}
		if a.priorityScore != b.priorityScore {
			return a.priorityScore > b.priorityScore
		}
		if a.hasDue != b.hasDue {
			return a.hasDue
		}
		if a.hasDue && !a.due.Equal(b.due) {
			return a.due.Before(b.due)
		}
		if a.hasOrder != b.hasOrder {
			return a.hasOrder
		}
		if a.hasOrder && a.order != b.order {
			return a.order < b.order
		}
		return a.insertion < b.insertion
	})
	return candidates[0].task
}

// statusPriority ranks task statuses; lower is picked first. Statuses at
// or past "done" are excluded from selection entirely.
func statusPriority(status string) int {
	s := strings.ToLower(strings.TrimSpace(status))
	switch {
	case s == "blocked" || s == "stuck":
		return 0
	case strings.Contains(s, "review") || s == "ready":
		return 1
	case s == "in_progress" || s == "in-progress" || s == "active":
		return 2
	case s == "planned" || s == "backlog" || s == "open" || s == "todo" || s == "":
		return 3
	case s == "waiting" || s == "pending" || s == "qa" || s == "testing":
		return 4
	case strings.HasPrefix(s, "done") || s == "complete" || s == "completed" || s == "closed":
		return 5
	case strings.Contains(s, "cancel"):
		return 6
	case s == "archived":
		return 7
	default:
		return 3
	}
}

// earliestDue finds the minimum parseable date among any due* fields.
func earliestDue(task map[string]any) (time.Time, bool) {
	var min time.Time
	found := false
	for key, value := range task {
		if !strings.HasPrefix(strings.ToLower(key), "due") {
			continue
		}
		s, ok := value.(string)
		if !ok {
			continue
		}
		t, ok := parseDate(s)
		if !ok {
			continue
		}
		if !found || t.Before(min) {
			min = t
			found = true
		}
	}
	return min, found
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func numberField(task map[string]any, key string) (float64, bool) {
	switch v := task[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
