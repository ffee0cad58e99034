// Package service defines the persisted service and dependency-graph
// data model: the tagged Service variants, their script configuration,
// and the on-disk DependencyGraph the control tool writes and the core
// only ever reads. Parsing service files into this model is out of
// scope here; this package starts from the already-typed record.
package service

import (
	"encoding/json"
	"fmt"
)

// Kind is the tagged variant of a Service.
type Kind string

const (
	Oneshot Kind = "oneshot"
	Longrun Kind = "longrun"
	Bundle  Kind = "bundle"
	Virtual Kind = "virtual"
)

// RunLevel tags a cohort of services managed independently of others.
type RunLevel string

// DefaultRunLevel is used when a node's persisted record omits one.
const DefaultRunLevel RunLevel = "default"

// Prefix selects how Script.Execute is turned into an executable and
// argument list.
type Prefix string

const (
	PrefixBash Prefix = "bash"
	PrefixSh   Prefix = "sh"
	PrefixPath Prefix = "path"
)

// Script is one half of a service's (start, stop) pair: either the
// Oneshot start/stop or the Longrun run/finish script.
type Script struct {
	Prefix  Prefix `json:"prefix"`
	Execute string `json:"execute"`
	User    string `json:"user,omitempty"`
	Group   string `json:"group,omitempty"`
}

// Environment is a service's own environment map; its entries override
// the supervisor's process environment on key collision.
type Environment map[string]string

// Service is the tagged persisted record for one declared unit of
// work. Bundle and Virtual carry no scripts; Oneshot and Longrun carry
// up to two (Start, Stop), per the Kind.
type Service struct {
	Name         string      `json:"name"`
	Kind         Kind        `json:"type"`
	Dependencies []string    `json:"dependencies"`
	RunLevel     RunLevel    `json:"runlevel"`
	Start        *Script     `json:"start,omitempty"`
	Stop         *Script     `json:"stop,omitempty"`
	Environment  Environment `json:"environment,omitempty"`
}

// ShouldStart reports whether start_all should launch this kind of
// service at all. Bundle and Virtual services never start; their
// status is derived from their members (here: they go Up immediately,
// since this core does not track group membership beyond dependency
// edges).
func (s Service) ShouldStart() bool {
	return s.Kind == Oneshot || s.Kind == Longrun
}

// Validate enforces the per-node invariant that Bundle/Virtual
// services carry no scripts.
func (s Service) Validate() error {
	switch s.Kind {
	case Oneshot, Longrun, Bundle, Virtual:
	default:
		return fmt.Errorf("service %q: unknown kind %q", s.Name, s.Kind)
	}
	if (s.Kind == Bundle || s.Kind == Virtual) && (s.Start != nil || s.Stop != nil) {
		return fmt.Errorf("service %q: %s services carry no scripts", s.Name, s.Kind)
	}
	return nil
}

// Equal reports whether two Service definitions are identical for the
// purpose of reload's "unchanged service" comparison.
func (s Service) Equal(other Service) bool {
	a, _ := json.Marshal(s)
	b, _ := json.Marshal(other)
	return string(a) == string(b)
}
