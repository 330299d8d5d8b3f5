package auth

import (
	"errors"
	"testing"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		name    string
		granted []string
		perm    string
		want    bool
	}{
		{"exact", []string{PermInjectsRead}, PermInjectsRead, true},
		{"wildcard", []string{"*"}, PermCyclesRun, true},
		{"namespace", []string{"injects.*"}, PermInjectsCallback, true},
		{"other namespace", []string{"injects.*"}, PermExpectationsScore, false},
		{"prefix is not namespace", []string{"inject.*"}, PermInjectsRead, false},
		{"nothing granted", nil, PermEventsRead, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Allowed(tt.granted, tt.perm); got != tt.want {
				t.Fatalf("Allowed(%v, %s) = %v, want %v", tt.granted, tt.perm, got, tt.want)
			}
		})
	}
}

func TestRequire(t *testing.T) {
	if err := Require(All(), PermExercisesManage); err != nil {
		t.Fatalf("all permissions must cover %s: %v", PermExercisesManage, err)
	}
	err := Require([]string{PermExercisesRead}, PermCyclesRun)
	var fe ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != PermCyclesRun {
		t.Fatalf("expected forbidden on %s, got %v", PermCyclesRun, err)
	}
}
