package condition

import (
	"errors"
	"reflect"
	"testing"

	"injectline/internal/domain"
)

func score(v float64) *float64 { return &v }
func ref(s string) *string     { return &s }

func parentWithStatus(name domain.ExecutionStatus) domain.Inject {
	return domain.Inject{ID: "parent", Title: "Phishing mail", Status: &domain.InjectStatus{Name: name}}
}

func detection(status domain.ExpectationStatus) domain.InjectExpectation {
	return domain.InjectExpectation{
		Type:          domain.ExpectationDetection,
		AssetID:       ref("asset-1"),
		ExpectedScore: 100,
		Status:        status,
	}
}

func TestDetectionSuccessPermitsChild(t *testing.T) {
	facts := BuildFacts(parentWithStatus(domain.StatusSuccess), []domain.InjectExpectation{detection(domain.ExpectationSuccess)})
	cond, err := Parse("Detection == true")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	msgs, err := Evaluate("Phishing mail", cond, facts)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %v", msgs)
	}
}

func TestDetectionFailedWithholdsChild(t *testing.T) {
	facts := BuildFacts(parentWithStatus(domain.StatusSuccess), []domain.InjectExpectation{detection(domain.ExpectationFailed)})
	cond, _ := Parse("Detection == true")
	msgs, err := Evaluate("Phishing mail", cond, facts)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	want := []string{"Inject 'Phishing mail' - Detection is true"}
	if !reflect.DeepEqual(msgs, want) {
		t.Fatalf("messages = %v, want %v", msgs, want)
	}
}

func TestNotEqualReportsNegatedClause(t *testing.T) {
	facts := BuildFacts(parentWithStatus(domain.StatusSuccess), []domain.InjectExpectation{detection(domain.ExpectationSuccess)})
	cond, err := Parse("Detection != true")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	msgs, err := Evaluate("Phishing mail", cond, facts)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	want := []string{"Inject 'Phishing mail' - Detection is false"}
	if !reflect.DeepEqual(msgs, want) {
		t.Fatalf("messages = %v, want %v", msgs, want)
	}
}

func TestKeysAreCaseInsensitive(t *testing.T) {
	facts := BuildFacts(parentWithStatus(domain.StatusSuccess), []domain.InjectExpectation{detection(domain.ExpectationSuccess)})
	cond := domain.DependencyCondition{Conditions: []domain.ConditionClause{
		{Key: "DETECTION", Value: true},
		{Key: "execution", Value: true},
	}}
	msgs, err := Evaluate("p", cond, facts)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected pass, got %v %v", msgs, err)
	}
}

func TestUnknownKeyIsMismatch(t *testing.T) {
	facts := BuildFacts(parentWithStatus(domain.StatusSuccess), nil)
	cond, _ := Parse("Prevention == true")
	_, err := Evaluate("p", cond, facts)
	var mismatch *KeyMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected key mismatch, got %v", err)
	}
	if mismatch.Key != "Prevention" {
		t.Fatalf("key = %q", mismatch.Key)
	}
}

func TestExecutionFact(t *testing.T) {
	cases := []struct {
		status *domain.InjectStatus
		want   bool
	}{
		{nil, false},
		{&domain.InjectStatus{Name: domain.StatusQueuing}, false},
		{&domain.InjectStatus{Name: domain.StatusExecuting}, false},
		{&domain.InjectStatus{Name: domain.StatusPending}, false},
		{&domain.InjectStatus{Name: domain.StatusError}, false},
		{&domain.InjectStatus{Name: domain.StatusSuccess}, true},
		{&domain.InjectStatus{Name: domain.StatusMaybePrevented}, true},
		{&domain.InjectStatus{Name: domain.StatusPartial}, true},
	}
	for _, tc := range cases {
		facts := BuildFacts(domain.Inject{Status: tc.status}, nil)
		got, ok := facts.Lookup("Execution")
		if !ok || got != tc.want {
			name := "nil"
			if tc.status != nil {
				name = string(tc.status.Name)
			}
			t.Errorf("status %s: execution = %v, want %v", name, got, tc.want)
		}
	}
}

func TestManualExpectationKeyedByName(t *testing.T) {
	manual := domain.InjectExpectation{
		Type:          domain.ExpectationManual,
		Name:          "SOC escalated",
		AssetID:       ref("asset-1"),
		ExpectedScore: 50,
		Status:        domain.ExpectationSuccess,
	}
	facts := BuildFacts(parentWithStatus(domain.StatusSuccess), []domain.InjectExpectation{manual})
	if v, ok := facts.Lookup("soc escalated"); !ok || !v {
		t.Fatalf("expected manual fact, got %v %v", v, ok)
	}
	if _, ok := facts.Lookup("Manual"); ok {
		t.Fatalf("manual expectations must not be keyed by type")
	}
}

func TestChallengeWithoutResultsUsesScore(t *testing.T) {
	ch := domain.InjectExpectation{
		Type:          domain.ExpectationChallenge,
		AssetGroupID:  ref("g"),
		ExpectedScore: 50,
		Score:         score(60),
		Status:        domain.ExpectationPending,
	}
	facts := BuildFacts(parentWithStatus(domain.StatusSuccess), []domain.InjectExpectation{ch})
	if v, _ := facts.Lookup("Challenge"); !v {
		t.Fatalf("expected challenge fact to be true")
	}
}

func TestHighestLevelDecides(t *testing.T) {
	agent := domain.InjectExpectation{Type: domain.ExpectationPrevention, AgentID: ref("a"), Status: domain.ExpectationFailed}
	group := domain.InjectExpectation{Type: domain.ExpectationPrevention, AssetGroupID: ref("g"), Status: domain.ExpectationSuccess}
	facts := BuildFacts(parentWithStatus(domain.StatusSuccess), []domain.InjectExpectation{agent, group})
	if v, _ := facts.Lookup("Prevention"); !v {
		t.Fatalf("group-level expectation should decide the fact")
	}
	other := domain.InjectExpectation{Type: domain.ExpectationPrevention, AssetGroupID: ref("g2"), Status: domain.ExpectationFailed}
	facts = BuildFacts(parentWithStatus(domain.StatusSuccess), []domain.InjectExpectation{agent, group, other})
	if v, _ := facts.Lookup("Prevention"); v {
		t.Fatalf("every group-level expectation must succeed")
	}
}

func TestEvaluateIsPure(t *testing.T) {
	facts := BuildFacts(parentWithStatus(domain.StatusSuccess), []domain.InjectExpectation{detection(domain.ExpectationFailed)})
	cond, _ := Parse("Detection == true && Execution == true")
	first, _ := Evaluate("p", cond, facts)
	second, _ := Evaluate("p", cond, facts)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("evaluation not deterministic: %v vs %v", first, second)
	}
	if len(facts) != 2 {
		t.Fatalf("facts mutated: %v", facts)
	}
}

func TestOrMode(t *testing.T) {
	facts := BuildFacts(parentWithStatus(domain.StatusError), []domain.InjectExpectation{detection(domain.ExpectationSuccess)})
	cond, err := Parse("Execution == true || Detection == true")
	if err != nil {
		t.Fatal(err)
	}
	if cond.Mode != domain.ConditionOr {
		t.Fatalf("mode = %s", cond.Mode)
	}
	msgs, err := Evaluate("p", cond, facts)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("or condition should pass: %v %v", msgs, err)
	}
}

func TestMalformed(t *testing.T) {
	for _, in := range []string{"", "Detection == maybe", "a && b || c", "== true"} {
		if _, err := Parse(in); !errors.Is(err, ErrMalformed) {
			t.Errorf("Parse(%q) err = %v, want malformed", in, err)
		}
	}
	_, err := Compile(domain.DependencyCondition{Mode: "xor", Conditions: []domain.ConditionClause{{Key: "a", Value: true}}})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("unknown mode should be malformed, got %v", err)
	}
	_, err = Compile(domain.DependencyCondition{Conditions: []domain.ConditionClause{{Key: "a", Operator: "gt", Value: true}}})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("unknown operator should be malformed, got %v", err)
	}
}

func TestFormatRoundTrip(t *testing.T) {
	in := "Execution == true && Detection != false"
	cond, err := Parse(in)
	if err != nil {
		t.Fatal(err)
	}
	if got := Format(cond); got != in {
		t.Fatalf("Format = %q, want %q", got, in)
	}
}
