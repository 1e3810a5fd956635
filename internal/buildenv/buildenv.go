// Package buildenv defines the canonical paths inside a managed execution
// environment.
package buildenv

// HomePath is the working root inside a managed environment.
func HomePath() string {
	return "/build"
}

// ProjectPath is the build tree: the directory the project is copied into
// and job scripts run from.
func ProjectPath() string {
	return "/build/project"
}
