package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an audit record of something the director did.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	SessionID string                 `json:"session_id,omitempty"`
	ProfileID string                 `json:"profile_id,omitempty"`
	PlanID    string                 `json:"plan_id,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypePlanComputed       = "plan.computed"
	EventTypePlanFailed         = "plan.failed"
	EventTypeExecutionStarted   = "execution.started"
	EventTypeExecutionCompleted = "execution.completed"
	EventTypeExecutionFailed    = "execution.failed"
	EventTypePhaseCompleted     = "phase.completed"
	EventTypeRollbackStarted    = "rollback.started"
	EventTypeRollbackCompleted  = "rollback.completed"
	EventTypeRollbackIncomplete = "rollback.incomplete"
	EventTypeProfileCommitted   = "profile.committed"
	EventTypePolicyViolation    = "policy.violation"
	EventTypeRepositoryChanged  = "repository.changed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. In async mode events go
// through a bounded buffer drained by a single goroutine, so delivery order
// matches publish order in both modes.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Async {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.Async {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishPlanComputed publishes a successful planning event.
func (ep *EventPublisher) PublishPlanComputed(planID, profileID, kind string, operands int) error {
	return ep.Publish(Event{
		Type:      EventTypePlanComputed,
		Source:    "planner",
		ProfileID: profileID,
		PlanID:    planID,
		Message:   fmt.Sprintf("Plan %s computed for profile %s with %d operands", planID, profileID, operands),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"kind":     kind,
			"operands": operands,
		},
	})
}

// PublishPlanFailed publishes a failed planning event.
func (ep *EventPublisher) PublishPlanFailed(planID, profileID, code string) error {
	return ep.Publish(Event{
		Type:      EventTypePlanFailed,
		Source:    "planner",
		ProfileID: profileID,
		PlanID:    planID,
		Message:   fmt.Sprintf("Plan %s for profile %s failed: %s", planID, profileID, code),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"code": code,
		},
	})
}

// PublishExecutionStarted publishes an execution start.
func (ep *EventPublisher) PublishExecutionStarted(sessionID, profileID string) error {
	return ep.Publish(Event{
		Type:      EventTypeExecutionStarted,
		Source:    "engine",
		SessionID: sessionID,
		ProfileID: profileID,
		Message:   fmt.Sprintf("Session %s started on profile %s", sessionID, profileID),
		Level:     EventLevelInfo,
	})
}

// PublishExecutionCompleted publishes a successful execution.
func (ep *EventPublisher) PublishExecutionCompleted(sessionID, profileID string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeExecutionCompleted,
		Source:    "engine",
		SessionID: sessionID,
		ProfileID: profileID,
		Message:   fmt.Sprintf("Session %s completed on profile %s", sessionID, profileID),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishExecutionFailed publishes a failed execution.
func (ep *EventPublisher) PublishExecutionFailed(sessionID, profileID, outcome, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeExecutionFailed,
		Source:    "engine",
		SessionID: sessionID,
		ProfileID: profileID,
		Message:   fmt.Sprintf("Session %s failed on profile %s: %s", sessionID, profileID, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"outcome": outcome,
			"reason":  reason,
		},
	})
}

// PublishPhaseCompleted publishes the end of a phase.
func (ep *EventPublisher) PublishPhaseCompleted(sessionID, phase string, duration time.Duration, err error) error {
	level := EventLevelInfo
	message := fmt.Sprintf("Phase %s completed", phase)
	if err != nil {
		level = EventLevelError
		message = fmt.Sprintf("Phase %s failed: %v", phase, err)
	}
	return ep.Publish(Event{
		Type:      EventTypePhaseCompleted,
		Source:    "engine",
		SessionID: sessionID,
		Message:   message,
		Level:     level,
		Data: map[string]interface{}{
			"phase":    phase,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRollbackStarted publishes the start of a rollback.
func (ep *EventPublisher) PublishRollbackStarted(sessionID string, steps int) error {
	return ep.Publish(Event{
		Type:      EventTypeRollbackStarted,
		Source:    "engine",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Session %s rolling back %d actions", sessionID, steps),
		Level:     EventLevelWarning,
		Data: map[string]interface{}{
			"steps": steps,
		},
	})
}

// PublishRollbackFinished publishes a rollback outcome. A non-nil err means
// the system needs manual intervention.
func (ep *EventPublisher) PublishRollbackFinished(sessionID string, undone int, err error) error {
	event := Event{
		Type:      EventTypeRollbackCompleted,
		Source:    "engine",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Session %s rolled back %d actions", sessionID, undone),
		Level:     EventLevelWarning,
		Data: map[string]interface{}{
			"undone": undone,
		},
	}
	if err != nil {
		event.Type = EventTypeRollbackIncomplete
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("Session %s rollback incomplete after %d actions: %v", sessionID, undone, err)
	}
	return ep.Publish(event)
}

// PublishProfileCommitted publishes a new profile snapshot.
func (ep *EventPublisher) PublishProfileCommitted(profileID string, timestamp int64) error {
	return ep.Publish(Event{
		Type:      EventTypeProfileCommitted,
		Source:    "registry",
		ProfileID: profileID,
		Message:   fmt.Sprintf("Profile %s committed at %d", profileID, timestamp),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"timestamp": timestamp,
		},
	})
}

// PublishPolicyViolation publishes a plan rejected by policy.
func (ep *EventPublisher) PublishPolicyViolation(planID, profileID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypePolicyViolation,
		Source:    "policy",
		ProfileID: profileID,
		PlanID:    planID,
		Message:   fmt.Sprintf("Policy %s denied plan %s: %s", policyName, planID, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// PublishRepositoryChanged publishes a repository reload.
func (ep *EventPublisher) PublishRepositoryChanged(location string, units int) error {
	return ep.Publish(Event{
		Type:    EventTypeRepositoryChanged,
		Source:  "repository",
		Message: fmt.Sprintf("Repository %s now holds %d units", location, units),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"location": location,
			"units":    units,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.BatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.BatchSize || len(ep.buffer) == 0 {
				flush()
			}
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterBySessionID creates a filter that only allows events of one session.
func FilterBySessionID(sessionID string) EventFilter {
	return func(event Event) bool {
		return event.SessionID == sessionID
	}
}
