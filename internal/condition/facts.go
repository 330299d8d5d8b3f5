package condition

import (
	"strings"

	"injectline/internal/domain"
)

// BuildFacts derives the fact table of a parent inject from its status and expectations.
func BuildFacts(parent domain.Inject, expectations []domain.InjectExpectation) Facts {
	facts := Facts{}
	facts.Set(ExecutionKey, executed(parent.Status))

	type entry struct {
		rank  int
		value bool
	}
	byKey := map[string]entry{}
	for _, e := range expectations {
		key := FactKey(e)
		if key == "" {
			continue
		}
		rank := levelRank(e.Level())
		v := outcome(e)
		cur, ok := byKey[normalize(key)]
		switch {
		case !ok || rank > cur.rank:
			byKey[normalize(key)] = entry{rank: rank, value: v}
		case rank == cur.rank:
			byKey[normalize(key)] = entry{rank: rank, value: cur.value && v}
		}
	}
	for key, e := range byKey {
		facts[key] = e.value
	}
	return facts
}

// FactKey is the capitalized expectation type, or the declared name for manual expectations.
func FactKey(e domain.InjectExpectation) string {
	if e.Type == domain.ExpectationManual {
		return strings.TrimSpace(e.Name)
	}
	t := strings.ToLower(string(e.Type))
	if t == "" {
		return ""
	}
	return strings.ToUpper(t[:1]) + t[1:]
}

func executed(st *domain.InjectStatus) bool {
	if st == nil {
		return false
	}
	if st.Name.InFlight() {
		return false
	}
	return st.Name != domain.StatusError
}

func outcome(e domain.InjectExpectation) bool {
	if (e.Type == domain.ExpectationChallenge || e.Type == domain.ExpectationArticle) && len(e.Results) == 0 {
		return e.Score != nil && *e.Score >= e.ExpectedScore
	}
	return e.Status == domain.ExpectationSuccess
}

func levelRank(t domain.TargetType) int {
	switch t {
	case domain.TargetAssetGroup:
		return 3
	case domain.TargetAsset:
		return 2
	default:
		return 1
	}
}
