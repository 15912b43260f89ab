package domain

import "time"

// EventType labels a rule lifecycle event.
type EventType string

const (
	EventRuleCreated    EventType = "RULE_CREATED"
	EventRuleCanceled   EventType = "RULE_CANCELED"
	EventActionAttempt  EventType = "ACTION_ATTEMPT"
	EventActionExecuted EventType = "ACTION_EXECUTED"
	EventActionFailed   EventType = "ACTION_FAILED"
	EventRuleFailed     EventType = "RULE_FAILED"
)

// RuleEvent is an append-only fact about a rule. Events are immutable once
// written and are returned in insertion order.
type RuleEvent struct {
	ID        int64
	RuleID    string
	Type      EventType
	Payload   map[string]any
	CreatedAt time.Time
}
