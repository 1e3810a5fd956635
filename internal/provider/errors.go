package provider

import "fmt"

// ProvisioningError indicates that environment allocation failed. A
// transient failure (network pull, image cache miss) is retried with
// bounded backoff; a non-transient one (unsupported series/architecture)
// is fatal for the job.
type ProvisioningError struct {
	Series       string
	Architecture string
	Transient    bool
	Err          error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("failed to provision environment for %s/%s: %v",
		e.Series, e.Architecture, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// InvalidTransitionError reports an environment operation attempted in the
// wrong lifecycle state.
type InvalidTransitionError struct {
	Operation string
	State     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s an environment in state %q", e.Operation, e.State)
}
