// Package repository resolves declarative package-repository entries into
// the apt source lines and trust material an environment consumes.
package repository

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/stagehq/stagectl/internal/config"
)

// RepositoryError indicates that a repository could not be resolved, for
// example because its signing key could not be imported. It is fatal for
// the job that declared the repository.
type RepositoryError struct {
	Reference string
	Err       error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("failed to resolve package repository %q: %v", e.Reference, e.Err)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// Resolved is the outcome of resolving one repository entry: the apt
// source lines to install, plus optional armored signing-key material.
type Resolved struct {
	SourceLines []string
	SigningKey  string
}

// KeyImporter fetches the armored signing key of a PPA.
type KeyImporter interface {
	FetchKey(ctx context.Context, owner, distribution, name string) (string, error)
}

// Resolver turns repository entries into source lines. Secrets is the
// lookup used for placeholder substitution in explicit repository URLs;
// Keys imports PPA signing keys. Resolution is pure per entry, so each
// job's resolved set is isolated from every other job's.
type Resolver struct {
	Secrets func(string) (string, bool)
	Keys    KeyImporter
}

// Resolve produces the source lines and key material for one entry.
func (r *Resolver) Resolve(ctx context.Context, entry *config.RepositoryEntry) (*Resolved, error) {
	if entry.PPA != "" {
		return r.resolvePPA(ctx, entry)
	}
	return r.resolveURL(entry)
}

func (r *Resolver) resolvePPA(ctx context.Context, entry *config.RepositoryEntry) (*Resolved, error) {
	owner, distribution, name, err := SplitPPA(entry.PPA)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("https://ppa.launchpadcontent.net/%s/%s/%s", owner, name, distribution)

	key, err := r.Keys.FetchKey(ctx, owner, distribution, name)
	if err != nil {
		return nil, &RepositoryError{Reference: entry.PPA, Err: err}
	}

	return &Resolved{
		SourceLines: sourceLines(entry, url, []string{"main"}),
		SigningKey:  key,
	}, nil
}

func (r *Resolver) resolveURL(entry *config.RepositoryEntry) (*Resolved, error) {
	url, err := r.expandSecrets(entry.URL)
	if err != nil {
		return nil, err
	}
	return &Resolved{
		SourceLines: sourceLines(entry, url, entry.Components),
	}, nil
}

// expandSecrets substitutes $KEY and ${KEY} placeholders in a repository
// URL from the secrets lookup. A placeholder without a matching secret is
// a configuration error, never an empty substitution.
func (r *Resolver) expandSecrets(url string) (string, error) {
	lookup := r.Secrets
	if lookup == nil {
		lookup = config.NoSecrets
	}
	var missing []string
	expanded := os.Expand(url, func(key string) string {
		value, ok := lookup(key)
		if !ok {
			missing = append(missing, key)
			return ""
		}
		return value
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", config.NewConfigurationError(
			"repository URL references undefined secrets: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// sourceLines renders one line per format and suite, qualified by the
// entry's tri-state trust setting.
func sourceLines(entry *config.RepositoryEntry, url string, components []string) []string {
	formats := entry.Formats
	if len(formats) == 0 {
		formats = []string{"deb"}
	}
	var lines []string
	for _, format := range formats {
		for _, suite := range entry.Suites {
			var b strings.Builder
			b.WriteString(format)
			if entry.Trusted != nil {
				if *entry.Trusted {
					b.WriteString(" [trusted=yes]")
				} else {
					b.WriteString(" [trusted=no]")
				}
			}
			fmt.Fprintf(&b, " %s %s %s", url, suite, strings.Join(components, " "))
			lines = append(lines, b.String())
		}
	}
	return lines
}

// SplitPPA parses a PPA short form: owner/name or owner/distribution/name.
// The distribution defaults to ubuntu.
func SplitPPA(ppa string) (owner, distribution, name string, err error) {
	parts := strings.Split(ppa, "/")
	switch len(parts) {
	case 2:
		return parts[0], "ubuntu", parts[1], nil
	case 3:
		return parts[0], parts[1], parts[2], nil
	default:
		return "", "", "", config.NewConfigurationError(
			"invalid PPA reference %q (expected owner/name or owner/distribution/name)", ppa)
	}
}
