// Package entities fetches the upstream records a ticket's automation graph
// is built from: the work item itself, its kanban subtasks, its schedule
// activities and the status transitions available on it.
package entities

import (
	"context"

	"github.com/rendis/autoflow/pkg/schema"
)

// Source is the read-only upstream boundary. Implementations must be safe
// for concurrent use; the engine fetches all four collections in one load.
type Source interface {
	GetWorkItem(ctx context.Context, ticketKey string) (*schema.WorkItem, error)
	ListSubtasks(ctx context.Context, ticketKey string) ([]schema.Subtask, error)
	ListScheduleActivities(ctx context.Context, ticketKey string) ([]schema.Activity, error)
	ListStatusTransitions(ctx context.Context, ticketKey string) ([]schema.Transition, error)
}

// Snapshot is one complete fetch of a ticket's entities.
type Snapshot struct {
	WorkItem   *schema.WorkItem  `json:"workItem"`
	Subtasks   []schema.Subtask  `json:"subtasks"`
	Activities []schema.Activity `json:"activities"`
	FetchedAt  string            `json:"fetchedAt,omitempty"`
}

// Fetch loads a full snapshot from a source. The work item is mandatory;
// the collections degrade to empty on their own NOT_FOUND.
func Fetch(ctx context.Context, src Source, ticketKey string) (*Snapshot, error) {
	wi, err := src.GetWorkItem(ctx, ticketKey)
	if err != nil {
		return nil, err
	}
	subtasks, err := src.ListSubtasks(ctx, ticketKey)
	if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}
	activities, err := src.ListScheduleActivities(ctx, ticketKey)
	if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}
	return &Snapshot{WorkItem: wi, Subtasks: subtasks, Activities: activities}, nil
}
