// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upnp

import (
	"context"
	"fmt"
	"maps"
)

// Param is one named action argument. Arguments are sent in call order.
type Param struct {
	Name  string
	Value string
}

// P is shorthand for a Param.
func P(name, value string) Param { return Param{Name: name, Value: value} }

// Result is the outcome of one action. A failed result carries no values; a
// successful one carries the (possibly empty) output map.
type Result struct {
	values map[string]string
	err    error
}

// Succeeded wraps the output of a completed action.
func Succeeded(values map[string]string) Result {
	if values == nil {
		values = map[string]string{}
	}
	return Result{values: values}
}

// Failed wraps a terminal failure.
func Failed(err error) Result {
	return Result{err: err}
}

// OK reports whether the action completed.
func (r Result) OK() bool { return r.err == nil }

// Err returns the failure, or nil.
func (r Result) Err() error { return r.err }

// Value returns one output variable. Failed results have no values.
func (r Result) Value(name string) (string, bool) {
	if r.err != nil {
		return "", false
	}
	v, ok := r.values[name]
	return v, ok
}

// Values returns a copy of the output map.
func (r Result) Values() map[string]string {
	return maps.Clone(r.values)
}

// Require returns the named outputs, failing if the action failed or any of
// them is absent. An action that completed without outputs is treated the same
// as one that failed.
func (r Result) Require(names ...string) (map[string]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		v, ok := r.values[n]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoOutput, n)
		}
		out[n] = v
	}
	return out, nil
}

// Invoker issues actions against service endpoints. Implementations perform a
// single attempt per call.
type Invoker interface {
	Invoke(ctx context.Context, ep ServiceEndpoint, action string, params ...Param) Result
	QueryStateVariable(ctx context.Context, ep ServiceEndpoint, variable string) Result
}
