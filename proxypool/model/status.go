package model

import (
	"errors"
	"fmt"
)

// Status 是代理的生命周期状态。
type Status string

const (
	StatusPending       Status = "pending"
	StatusActive        Status = "active"
	StatusInactive      Status = "inactive"
	StatusFalsePositive Status = "false_positive"

	// StatusDeleted is terminal; the registry drops the record on reaching it.
	StatusDeleted Status = "deleted"
)

var ErrUnknownStatus = errors.New("unknown proxy status")

// ParseStatus accepts the four storable states.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusActive, StatusInactive, StatusFalsePositive:
		return st, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownStatus, s)
}

// EventKind 是驱动状态迁移的事件类型。
type EventKind string

const (
	EventTestPassed       EventKind = "test_passed"
	EventFailureThreshold EventKind = "failure_threshold"
	EventAdminOverride    EventKind = "admin_override"
	EventRemove           EventKind = "remove"
)

// Event is a lifecycle trigger. Target is only read for EventAdminOverride.
type Event struct {
	Kind   EventKind
	Target Status
}

func (e Event) String() string {
	if e.Kind == EventAdminOverride {
		return fmt.Sprintf("%s(%s)", e.Kind, e.Target)
	}
	return string(e.Kind)
}

// ErrInvalidTransition is matched by every InvalidTransitionError via errors.Is.
var ErrInvalidTransition = errors.New("invalid status transition")

type InvalidTransitionError struct {
	From  Status
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s on %s", e.From, e.Event)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Transition 是唯一的状态迁移函数：
//
//	pending        --test_passed-->        active
//	active         --test_passed-->        active
//	pending|active --failure_threshold-->  inactive
//	any            --admin_override(s)-->  s
//	inactive       --remove-->             deleted
//
// 其他组合返回 InvalidTransitionError。false_positive 只能通过 admin_override 离开。
func Transition(current Status, ev Event) (Status, error) {
	switch ev.Kind {
	case EventTestPassed:
		if current == StatusPending || current == StatusActive {
			return StatusActive, nil
		}
	case EventFailureThreshold:
		if current == StatusPending || current == StatusActive {
			return StatusInactive, nil
		}
	case EventAdminOverride:
		if _, err := ParseStatus(string(ev.Target)); err == nil {
			return ev.Target, nil
		}
	case EventRemove:
		if current == StatusInactive {
			return StatusDeleted, nil
		}
	}
	return current, &InvalidTransitionError{From: current, Event: ev}
}
