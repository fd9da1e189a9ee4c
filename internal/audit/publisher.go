package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mssola/useragent"

	"worldgate/pkg/platform/middleware/metadata"
)

// Publisher logs audit events and hands them to a background Worker. Emit never
// blocks the request path: when the queue is full the event is only logged.
type Publisher struct {
	logger  *slog.Logger
	queue   chan Event
	dropped atomic.Int64
	now     func() time.Time
}

// NewPublisher builds a publisher with a bounded queue. A zero queueSize disables
// forwarding and events are only logged.
func NewPublisher(logger *slog.Logger, queueSize int) *Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Publisher{logger: logger, now: time.Now}
	if queueSize > 0 {
		p.queue = make(chan Event, queueSize)
	}
	return p
}

// Emit enriches the event with client metadata from ctx, logs it and queues it.
func (p *Publisher) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}
	if event.ClientIP == "" {
		event.ClientIP = metadata.GetClientIP(ctx)
	}
	if event.Client == "" {
		event.Client = describeClient(metadata.GetUserAgent(ctx))
	}

	p.logger.InfoContext(ctx, event.Action,
		"log_type", "audit",
		"mode", event.Mode,
		"kind", event.Kind,
		"source", event.Source,
		"request_id", event.RequestID,
		"client", event.Client,
	)

	if p.queue == nil {
		return
	}
	select {
	case p.queue <- event:
	default:
		p.dropped.Add(1)
	}
}

// Dropped reports how many events were not forwarded because the queue was full.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Queue exposes the receive side for the Worker.
func (p *Publisher) Queue() <-chan Event {
	return p.queue
}

// describeClient reduces a User-Agent to "name/version (os)"; bots are tagged so
// scripted credential stuffing stands out in the audit stream.
func describeClient(raw string) string {
	if raw == "" {
		return ""
	}
	ua := useragent.New(raw)
	name, version := ua.Browser()
	if name == "" {
		return ""
	}
	desc := name
	if version != "" {
		desc = fmt.Sprintf("%s/%s", name, version)
	}
	if osName := ua.OS(); osName != "" {
		desc = fmt.Sprintf("%s (%s)", desc, osName)
	}
	if ua.Bot() {
		desc += " [bot]"
	}
	return desc
}
