// Package operation defines Operation as data: a named, parameterized
// action on an entity that a frontend can construct from a Descriptor and a
// parameter dictionary, without any code of its own. The descriptor carries
// everything dispatch needs up front — required params, affected fields,
// param mappings, preconditions — so routing never inspects provider code.
package operation

import (
	"github.com/syncstore/engine/pkg/value"
)

// Operation is the serializable unit of dispatch: {entity_name, op_name,
// display_name, params}.
type Operation struct {
	EntityName  string                   `json:"entity_name"`
	OpName      string                   `json:"op_name"`
	DisplayName string                   `json:"display_name"`
	Params      map[string]value.Value   `json:"params"`
}

// New builds an Operation with an empty params map if params is nil.
func New(entityName, opName, displayName string, params map[string]value.Value) Operation {
	if params == nil {
		params = make(map[string]value.Value)
	}
	return Operation{EntityName: entityName, OpName: opName, DisplayName: displayName, Params: params}
}

// Operation needs no custom JSON envelope, unlike value.Value: its shape is
// already flat and JSON-native, so the default struct encoding round-trips
// it as-is.

// UndoActionKind tags which variant an UndoAction holds.
type UndoActionKind int

const (
	UndoActionUndo UndoActionKind = iota
	UndoActionIrreversible
)

// UndoAction is either Undo(Operation) or Irreversible. Every executed
// operation returns one; Irreversible operations must never be pushed to
// the undo stack.
type UndoAction struct {
	Kind    UndoActionKind
	Inverse Operation // meaningful only when Kind == UndoActionUndo
}

// Undo builds an UndoAction wrapping the inverse operation.
func Undo(inverse Operation) UndoAction {
	return UndoAction{Kind: UndoActionUndo, Inverse: inverse}
}

// Irreversible is the UndoAction returned by operations with no inverse.
var Irreversible = UndoAction{Kind: UndoActionIrreversible}

func (a UndoAction) IsIrreversible() bool { return a.Kind == UndoActionIrreversible }

// Param describes one parameter of an operation; Required marks whether it
// must be supplied.
type Param struct {
	Name     string
	Kind     value.Kind
	Required bool
}

// ParamMapping names parameters that a surrounding widget (e.g. a drop
// target supplying parent_id) can provide, rather than requiring the caller
// to already have them in hand.
type ParamMapping struct {
	Provides []string
	From     string // describes where the value comes from, e.g. "drop_target.id"
}

// Precondition evaluates an operation's params before execution; returning
// (false, nil) is a precondition failure, while a non-nil error is an
// internal failure evaluating the precondition itself.
type Precondition func(params map[string]value.Value) (bool, error)

// Descriptor is the metadata record describing one operation: its required
// params, the fields it may mutate, any parameter mappings a UI can use to
// auto-supply arguments, and an optional precondition.
type Descriptor struct {
	EntityName      string
	EntityShortName string
	IDColumn        string
	Name            string
	DisplayName     string
	Description     string
	RequiredParams  []Param
	AffectedFields  []string
	ParamMappings   []ParamMapping
	Precondition    Precondition
}

// HasRequiredParam reports whether name is among the descriptor's required
// parameters.
func (d Descriptor) HasRequiredParam(name string) bool {
	for _, p := range d.RequiredParams {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Satisfiable reports whether every required param is present in
// availableArgs or obtainable via a param mapping. Used by
// Dispatcher.OperationsFor to filter descriptors to those valid
// at a given row/widget combination.
func (d Descriptor) Satisfiable(availableArgs map[string]struct{}) bool {
	for _, p := range d.RequiredParams {
		if !p.Required {
			continue
		}
		if _, ok := availableArgs[p.Name]; ok {
			continue
		}
		mapped := false
		for _, m := range d.ParamMappings {
			for _, provided := range m.Provides {
				if provided == p.Name {
					mapped = true
					break
				}
			}
			if mapped {
				break
			}
		}
		if !mapped {
			return false
		}
	}
	return true
}

// CheckPrecondition evaluates d's precondition against params, treating a
// nil precondition as always-satisfied.
func (d Descriptor) CheckPrecondition(params map[string]value.Value) (bool, error) {
	if d.Precondition == nil {
		return true, nil
	}
	return d.Precondition(params)
}
