package oplog

import (
	"context"
	"time"

	"github.com/syncstore/engine/pkg/operation"
)

// Observer persists every successful operation to the operations table with
// status PendingSync. It satisfies the dispatcher's Observer interface.
type Observer struct {
	log *Log
	now func() time.Time
}

// NewObserver creates an observer writing to log.
func NewObserver(log *Log) *Observer {
	return &Observer{log: log, now: time.Now}
}

// EntityFilter observes all entities.
func (o *Observer) EntityFilter() string { return "*" }

// Notify appends the operation and its inverse (nil for Irreversible) to
// the log.
func (o *Observer) Notify(ctx context.Context, op operation.Operation, undo operation.UndoAction) error {
	var inverse *operation.Operation
	if !undo.IsIrreversible() {
		inv := undo.Inverse
		inverse = &inv
	}
	_, err := o.log.Append(ctx, op, inverse, op.DisplayName, o.now().UnixMilli())
	return err
}
