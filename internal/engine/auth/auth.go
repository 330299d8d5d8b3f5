// Package auth names the permissions guarding the API and checks a caller's
// granted set against them.
package auth

import (
	"fmt"
	"strings"
)

const (
	PermExercisesRead     = "exercises.read"
	PermExercisesManage   = "exercises.manage"
	PermInjectsRead       = "injects.read"
	PermInjectsCallback   = "injects.callback"
	PermExpectationsScore = "expectations.score"
	PermCyclesRun         = "cycles.run"
	PermEventsRead        = "events.read"
)

const wildcard = "*"

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// All lists every permission, in the order they are documented.
func All() []string {
	return []string{
		PermExercisesRead, PermExercisesManage, PermInjectsRead, PermInjectsCallback,
		PermExpectationsScore, PermCyclesRun, PermEventsRead,
	}
}

// Allowed reports whether granted covers perm. "*" grants everything and
// "injects.*" grants every injects permission.
func Allowed(granted []string, perm string) bool {
	for _, g := range granted {
		switch {
		case g == wildcard, g == perm:
			return true
		case strings.HasSuffix(g, "."+wildcard):
			if strings.HasPrefix(perm, strings.TrimSuffix(g, wildcard)) {
				return true
			}
		}
	}
	return false
}

// Require returns a ForbiddenError unless granted covers perm.
func Require(granted []string, perm string) error {
	if Allowed(granted, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
