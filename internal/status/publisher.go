// Package status fans out per-project progress events to subscribed sinks.
// Delivery is best-effort and FIFO per project per sink; sinks that error
// on write are dropped; there is no replay for late subscribers.
package status

import (
	"log/slog"
	"sync"
	"time"
)

// Report statuses carried on events.
const (
	StatusNotStarted = "not_started"
	StatusGenerating = "generating"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Pipeline phases carried on events. Queueing covers admission outcomes
// that divert a request to the durable queue (saturation, timeout fallback).
const (
	PhaseValidation       = "validation"
	PhaseSnapshotCapture  = "snapshot_capture"
	PhaseDataCollection   = "data_collection"
	PhaseAnalysis         = "analysis"
	PhaseReportGeneration = "report_generation"
	PhaseQueueing         = "queueing"
	PhaseCompleted        = "completed"
)

// Event is one progress update for a project.
type Event struct {
	ProjectID               string     `json:"projectId"`
	Status                  string     `json:"status"`
	Phase                   string     `json:"phase"`
	Progress                int        `json:"progress"`
	Message                 string     `json:"message"`
	Timestamp               time.Time  `json:"timestamp"`
	EstimatedCompletionTime *time.Time `json:"estimatedCompletionTime,omitempty"`
	DataCompletenessScore   *int       `json:"dataCompletenessScore,omitempty"`
	Error                   string     `json:"error,omitempty"`
}

// Sink receives events. A Send error drops the subscription.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event) error

func (f SinkFunc) Send(e Event) error { return f(e) }

// Subscription identifies one active sink registration.
type Subscription struct {
	id        int64
	projectID string
}

// sinkBuffer bounds the per-subscriber backlog. Events past the bound are
// dropped for that subscriber (best-effort delivery).
const sinkBuffer = 64

type subscriber struct {
	sink   Sink
	events chan Event
	done   chan struct{}
}

// Publisher is the in-process event hub.
type Publisher struct {
	mu     sync.Mutex
	nextID int64
	subs   map[string]map[int64]*subscriber // project id -> subs
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher creates a Publisher.
func NewPublisher(logger *slog.Logger) *Publisher {
	return &Publisher{
		subs:   make(map[string]map[int64]*subscriber),
		logger: logger.With("component", "status"),
		now:    time.Now,
	}
}

// SetClock overrides the timestamp source for tests.
func (p *Publisher) SetClock(now func() time.Time) { p.now = now }

// Subscribe registers a sink for a project's events. Each subscriber gets
// its own delivery goroutine so one slow sink never blocks another.
func (p *Publisher) Subscribe(projectID string, sink Sink) Subscription {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	sub := &subscriber{
		sink:   sink,
		events: make(chan Event, sinkBuffer),
		done:   make(chan struct{}),
	}
	if p.subs[projectID] == nil {
		p.subs[projectID] = make(map[int64]*subscriber)
	}
	p.subs[projectID][id] = sub
	p.mu.Unlock()

	go p.deliver(projectID, id, sub)
	return Subscription{id: id, projectID: projectID}
}

// Unsubscribe removes a subscription; pending events for it are discarded.
func (p *Publisher) Unsubscribe(s Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remove(s.projectID, s.id)
}

// Publish stamps and fans the event out to the project's subscribers.
// Subscribers whose buffers are full lose the event rather than block the
// publisher.
func (p *Publisher) Publish(projectID string, e Event) {
	e.ProjectID = projectID
	if e.Timestamp.IsZero() {
		e.Timestamp = p.now()
	}

	p.mu.Lock()
	targets := make([]*subscriber, 0, len(p.subs[projectID]))
	for _, sub := range p.subs[projectID] {
		targets = append(targets, sub)
	}
	p.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.events <- e:
		case <-sub.done:
		default:
			p.logger.Warn("status event dropped, subscriber backlog full",
				"project_id", projectID, "phase", e.Phase)
		}
	}
}

// SubscriberCount reports active subscriptions for a project.
func (p *Publisher) SubscriberCount(projectID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[projectID])
}

// deliver drains one subscriber's channel in order. The first Send error
// drops the subscription.
func (p *Publisher) deliver(projectID string, id int64, sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case e := <-sub.events:
			if err := sub.sink.Send(e); err != nil {
				p.logger.Warn("dropping erroring status sink",
					"project_id", projectID, "error", err)
				p.mu.Lock()
				p.remove(projectID, id)
				p.mu.Unlock()
				return
			}
		}
	}
}

// remove must be called with the mutex held.
func (p *Publisher) remove(projectID string, id int64) {
	subs := p.subs[projectID]
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(p.subs, projectID)
	}
	close(sub.done)
}
