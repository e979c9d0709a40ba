package undo

import (
	"context"

	"github.com/syncstore/engine/pkg/operation"
)

// Observer maintains the in-memory undo stack: every reversible operation
// is pushed as (original, inverse), which also clears the redo stack.
// Irreversible operations are ignored. It satisfies the dispatcher's
// Observer interface.
type Observer struct {
	stack *Stack
}

// NewObserver creates an observer feeding stack.
func NewObserver(stack *Stack) *Observer {
	return &Observer{stack: stack}
}

// EntityFilter observes all entities.
func (o *Observer) EntityFilter() string { return "*" }

// Notify pushes the (operation, inverse) pair for reversible operations.
func (o *Observer) Notify(ctx context.Context, op operation.Operation, undo operation.UndoAction) error {
	if undo.IsIrreversible() {
		return nil
	}
	o.stack.Push(op, undo.Inverse)
	return nil
}
