// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import "fmt"

// LoadError indicates a missing or malformed input file in a matrix
// exchange directory.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load %s: %s", e.Path, e.Err) }

func (e *LoadError) Unwrap() error { return e.Err }

// EmptyResultError indicates that a filter or subset operation left
// zero cells. The run must halt instead of producing empty downstream
// artifacts.
type EmptyResultError struct {
	Stage string
}

func (e *EmptyResultError) Error() string { return e.Stage + ": no cells remain" }

// ParameterError indicates an analysis parameter outside its valid
// range.
type ParameterError struct {
	Name   string
	Value  interface{}
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("parameter %s=%v: %s", e.Name, e.Value, e.Reason)
}
