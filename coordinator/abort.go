package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goblinsan/multi-agent-machine-client/metrics"
)

// AbortWorkflow purges every outstanding request-stream entry for a
// workflow: each matching id is acked to every persona group and to the
// coordination group, then deleted, so no consumer can see it again. An
// abort diagnostic is appended to the event stream. Returns the number of
// entries purged.
func (c *Coordinator) AbortWorkflow(ctx context.Context, workflowID, reason string) (int, error) {
	entries, err := c.transport.Range(ctx, c.cfg.Transport.RequestStream, "-", "+", 0)
	if err != nil {
		return 0, fmt.Errorf("abort scan: %w", err)
	}

	groups := make([]string, 0, len(c.cfg.Personas.Allowed)+1)
	for _, persona := range c.cfg.Personas.Allowed {
		groups = append(groups, c.cfg.Transport.GroupPrefix+":"+persona)
	}
	groups = append(groups, c.Group())

	var ids []string
	for _, entry := range entries {
		if entry.Fields["workflow_id"] != workflowID {
			continue
		}
		for _, group := range groups {
			if err := c.transport.Ack(ctx, c.cfg.Transport.RequestStream, group, entry.ID); err != nil {
				c.logger.Warn("abort ack failed",
					"workflow", workflowID, "group", group, "id", entry.ID, "error", err)
			}
		}
		ids = append(ids, entry.ID)
	}

	if len(ids) > 0 {
		if err := c.transport.Delete(ctx, c.cfg.Transport.RequestStream, ids...); err != nil {
			return len(ids), fmt.Errorf("abort delete: %w", err)
		}
	}

	metrics.WorkflowAbortsTotal.Inc()
	metrics.AbortPurgedEntries.Add(float64(len(ids)))

	if _, err := c.transport.Append(ctx, c.cfg.Transport.EventStream, map[string]string{
		"workflow_id":  workflowID,
		"from_persona": "coordinator",
		"status":       "error",
		"step":         "abort",
		"error":        reason,
		"ts":           strconv.FormatInt(time.Now().UnixMilli(), 10),
	}); err != nil {
		c.logger.Warn("abort diagnostic append failed", "workflow", workflowID, "error", err)
	}

	c.logger.Error("workflow aborted",
		"workflow", workflowID, "purged", len(ids), "reason", reason)
	return len(ids), nil
}
