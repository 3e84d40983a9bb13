package pipeline

import "fmt"

// PipelineInternalError is raised only for catastrophic invariant
// violations (§7 kind 3) — never for expected business outcomes like "no
// candidates left", which reconcilers encode as exclusions instead. The
// executor short-circuits on the first one and the caller maps it to an
// HTTP 500.
type PipelineInternalError struct {
	Reconciler string
	Err        error
}

func (e *PipelineInternalError) Error() string {
	return fmt.Sprintf("pipeline internal error in %s: %v", e.Reconciler, e.Err)
}

func (e *PipelineInternalError) Unwrap() error { return e.Err }

func internalErrorf(reconciler, format string, args ...any) error {
	return &PipelineInternalError{Reconciler: reconciler, Err: fmt.Errorf(format, args...)}
}
