package workpkg

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidGraph marks duplicate ids, unknown dependencies and cycles.
var ErrInvalidGraph = errors.New("invalid package graph")

// AssignIDs gives every spec without an id a fresh one and returns the result.
func AssignIDs(specs []PackageSpec) []PackageSpec {
	out := make([]PackageSpec, len(specs))
	for i, spec := range specs {
		spec = spec.Normalized()
		if spec.ID == "" {
			spec.ID = NewID()
		}
		out[i] = spec
	}
	return out
}

// ValidateGraph checks that ids are unique and present, every dependency names
// a declared package, and the graph has no cycles.
func ValidateGraph(specs []PackageSpec) error {
	deps := make(map[string][]string, len(specs))
	order := make([]string, 0, len(specs))
	for i, spec := range specs {
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			return fmt.Errorf("%w: package %d has no id", ErrInvalidGraph, i)
		}
		if _, dup := deps[id]; dup {
			return fmt.Errorf("%w: duplicate package id %q", ErrInvalidGraph, id)
		}
		deps[id] = spec.Dependencies
		order = append(order, id)
	}
	for _, id := range order {
		for _, dep := range deps[id] {
			if dep == id {
				return fmt.Errorf("%w: package %q depends on itself", ErrInvalidGraph, id)
			}
			if _, ok := deps[dep]; !ok {
				return fmt.Errorf("%w: package %q depends on unknown package %q", ErrInvalidGraph, id, dep)
			}
		}
	}
	if cycle := findCycle(order, deps); len(cycle) > 0 {
		return fmt.Errorf("%w: dependency cycle %s", ErrInvalidGraph, strings.Join(cycle, " -> "))
	}
	return nil
}

func findCycle(order []string, deps map[string][]string) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(order))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)
		next := append([]string(nil), deps[id]...)
		sort.Strings(next)
		for _, dep := range next {
			switch state[dep] {
			case visiting:
				for i, seen := range stack {
					if seen == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range order {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
