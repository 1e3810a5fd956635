package artifact

import "fmt"

// PathEscapeError indicates that an output pattern or input target resolves
// outside its allowed root. It is fatal and never silently clamped.
type PathEscapeError struct {
	Path string
	Root string
}

func (e *PathEscapeError) Error() string {
	return fmt.Sprintf("path %q escapes %q", e.Path, e.Root)
}

// ArtifactNotFoundError indicates that input staging references a job that
// produced no artifacts. It is fatal for the consuming job.
type ArtifactNotFoundError struct {
	JobName string
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("job %q produced no artifacts", e.JobName)
}
