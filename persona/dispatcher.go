package persona

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/goblinsan/multi-agent-machine-client/config"
	"github.com/goblinsan/multi-agent-machine-client/metrics"
	"github.com/goblinsan/multi-agent-machine-client/transport"
)

// Dispatcher is the consumer loop for one persona: it reads the request
// stream through the persona's consumer group, filters by to_persona,
// executes requests, publishes responses on the event stream, and acks.
type Dispatcher struct {
	transport transport.Transport
	handler   *Handler
	cfg       *config.Config
	persona   string
	consumer  string
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher for one persona.
func NewDispatcher(tr transport.Transport, handler *Handler, cfg *config.Config, personaName string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}
	return &Dispatcher{
		transport: tr,
		handler:   handler,
		cfg:       cfg,
		persona:   personaName,
		consumer:  fmt.Sprintf("%s-%s-%s", personaName, host, uuid.NewString()[:8]),
		logger:    logger.With("persona", personaName),
	}
}

// Group returns the consumer group name for this persona.
func (d *Dispatcher) Group() string {
	return d.cfg.Transport.GroupPrefix + ":" + d.persona
}

// Run consumes requests until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	stream := d.cfg.Transport.RequestStream
	group := d.Group()

	err := d.transport.GroupCreate(ctx, stream, group, "0", transport.GroupCreateOptions{MakeStream: true})
	if err != nil && !errors.Is(err, transport.ErrGroupExists) {
		return fmt.Errorf("create group %s: %w", group, err)
	}

	block := time.Duration(d.cfg.Transport.BlockMs) * time.Millisecond
	count := int64(d.cfg.Transport.BatchSize)
	if count <= 0 {
		count = 1
	}

	d.logger.Info("dispatcher started", "group", group, "consumer", d.consumer)

	for {
		if err := ctx.Err(); err != nil {
			d.logger.Info("dispatcher stopping")
			return err
		}

		entries, err := d.transport.ReadGroup(ctx, transport.ReadGroupArgs{
			Stream:   stream,
			Group:    group,
			Consumer: d.consumer,
			Count:    count,
			Block:    block,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Warn("read failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, entry := range entries {
			d.process(ctx, entry)
		}
	}
}

// process handles one request entry. A response is always published and
// the entry always acked, even on panic: processing trades at-most-once
// delivery for forward progress.
func (d *Dispatcher) process(ctx context.Context, entry transport.Entry) {
	req := RequestFromFields(entry.Fields)

	if req.ToPersona != "" && req.ToPersona != d.persona {
		d.ack(ctx, entry.ID)
		return
	}

	started := time.Now()
	body := d.handleSafely(ctx, req)
	elapsed := time.Since(started)

	status := body.Status
	if status == "" {
		status = StatusUnknown
	}
	metrics.PersonaRequestsTotal.WithLabelValues(d.persona, status).Inc()
	metrics.PersonaRequestDuration.WithLabelValues(d.persona).Observe(elapsed.Seconds())

	resp := Response{
		WorkflowID:  req.WorkflowID,
		FromPersona: d.persona,
		Status:      ResponseDone,
		CorrID:      req.CorrID,
		Step:        req.Step,
		Result:      body.Encode(),
		DurationMs:  elapsed.Milliseconds(),
		Error:       body.Error,
	}
	if _, err := d.transport.Append(ctx, d.cfg.Transport.EventStream, resp.Fields()); err != nil {
		d.logger.Error("failed to publish response",
			"workflow", req.WorkflowID, "corr_id", req.CorrID, "error", err)
	}

	d.ack(ctx, entry.ID)

	d.logger.Info("request processed",
		"workflow", req.WorkflowID,
		"step", req.Step,
		"corr_id", req.CorrID,
		"status", status,
		"duration_ms", elapsed.Milliseconds())
}

// handleSafely converts handler panics into fail-status bodies.
func (d *Dispatcher) handleSafely(ctx context.Context, req Request) (body *ResultBody) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				"workflow", req.WorkflowID, "corr_id", req.CorrID, "panic", r)
			body = &ResultBody{
				Status:  StatusFail,
				Error:   KindPersonaFail,
				Details: fmt.Sprintf("handler panic: %v", r),
			}
		}
	}()
	return d.handler.Handle(ctx, req)
}

func (d *Dispatcher) ack(ctx context.Context, id string) {
	if err := d.transport.Ack(ctx, d.cfg.Transport.RequestStream, d.Group(), id); err != nil {
		d.logger.Warn("ack failed", "id", id, "error", err)
	}
}
