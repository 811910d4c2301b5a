package router

import (
	"errors"
	"fmt"
)

var (
	// ErrNotComputed is returned by queries made after New or ReplaceGraph
	// and before Recompute.
	ErrNotComputed = errors.New("router: routes not computed")

	// ErrIndexOutOfRange is returned for a node index outside [0, n).
	ErrIndexOutOfRange = errors.New("router: node index out of range")
)

// ShapeError reports adjacency input the router cannot accept. It indicates
// a bug in the caller.
type ShapeError struct {
	Msg string
}

func (e *ShapeError) Error() string { return "router: " + e.Msg }

func shapeErrorf(format string, args ...any) *ShapeError {
	return &ShapeError{Msg: fmt.Sprintf(format, args...)}
}

// UnreachableError is returned by Path when no route joins Src to Dst.
type UnreachableError struct {
	Src, Dst int
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("router: node %d unreachable from node %d", e.Dst, e.Src)
}
