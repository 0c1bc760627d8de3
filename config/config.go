// Package config resolves which backend to use from environment
// variables, the same os.Getenv-first lookup internal/env's
// findDistriRoot uses for DISTRIROOT, generalized from one fixed
// variable to one variable per backend family.
package config

import (
	"os"

	"golang.org/x/xerrors"

	rbh "github.com/cea-hpc/librobinhood"
)

// Backend names which backend family to construct and the connection
// string to construct it from. Scheme is one of "mongo", "posix",
// "lustre", "archive"; URI is whatever that family's constructor
// expects (a mongodb:// URI, a filesystem path, a squashfs image path).
type Backend struct {
	Scheme string
	URI    string
}

// variable pairs an environment variable suffix with the backend scheme
// it selects, checked in this fixed order so that, if an operator sets
// more than one by mistake, the choice is deterministic rather than
// map-iteration order.
type variable struct {
	suffix string
	scheme string
}

var variables = []variable{
	{"MONGO_URI", "mongo"},
	{"POSIX_ROOT", "posix"},
	{"LUSTRE_ROOT", "lustre"},
	{"ARCHIVE_PATH", "archive"},
}

// FromEnv checks prefix+"_"+suffix for each known backend family (e.g.
// prefix "RBH" checks RBH_MONGO_URI, RBH_POSIX_ROOT, RBH_LUSTRE_ROOT,
// RBH_ARCHIVE_PATH, in that order) and returns the first one set. It
// returns rbh.ErrNotFound, never a zero-value Backend, when none of
// them are set.
func FromEnv(prefix string) (*Backend, error) {
	for _, v := range variables {
		if val := os.Getenv(prefix + "_" + v.suffix); val != "" {
			return &Backend{Scheme: v.scheme, URI: val}, nil
		}
	}
	return nil, xerrors.Errorf("config: no backend variable set under prefix %q: %w", prefix, rbh.ErrNotFound)
}
