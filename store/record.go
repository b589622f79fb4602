// ABOUTME: On-disk record shapes shared by the durable stores.
// ABOUTME: Outputs and inputs are written with type tags so values decode to their original Go types.
package store

import (
	"github.com/2389-research/pipewright/engine"
)

// taskRecord is a TaskState whose outputs keep their Go types across a save
// and load. The outer Outputs field shadows the embedded one.
type taskRecord struct {
	engine.TaskState
	Outputs engine.TypedValues `json:"outputs,omitempty"`
}

func newTaskRecord(t engine.TaskState) taskRecord {
	return taskRecord{TaskState: t, Outputs: engine.TypedValues(t.Outputs)}
}

func (r taskRecord) state() engine.TaskState {
	t := r.TaskState
	t.Outputs = engine.Values(r.Outputs)
	return t
}

// headerRecord does the same for a run's initial inputs.
type headerRecord struct {
	engine.RunHeader
	Inputs map[string]engine.TypedValues `json:"inputs,omitempty"`
}

func newHeaderRecord(h engine.RunHeader) headerRecord {
	r := headerRecord{RunHeader: h}
	if len(h.Inputs) > 0 {
		r.Inputs = make(map[string]engine.TypedValues, len(h.Inputs))
		for id, v := range h.Inputs {
			r.Inputs[id] = engine.TypedValues(v)
		}
	}
	return r
}

func (r headerRecord) header() engine.RunHeader {
	h := r.RunHeader
	h.Inputs = nil
	if len(r.Inputs) > 0 {
		h.Inputs = make(map[string]engine.Values, len(r.Inputs))
		for id, v := range r.Inputs {
			h.Inputs[id] = engine.Values(v)
		}
	}
	return h
}
