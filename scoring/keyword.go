package scoring

import (
	"context"
	"strings"
)

const (
	positiveWeight = 10
	negativeWeight = -15
	scenarioWeight = 20
	shortPenalty   = -10
	shortWords     = 3
	baseline       = 50
)

type keywordGroup struct {
	name    string
	phrases []string
}

var positiveGroups = []keywordGroup{
	{"rejection", []string{"no", "not interested", "hang up", "goodbye", "stop calling"}},
	{"verification", []string{"verify", "check", "confirm", "official website", "call back"}},
	{"skepticism", []string{"suspicious", "scam", "fraud", "fake", "doubt", "question"}},
	{"protection", []string{"report", "police", "authorities", "block", "delete"}},
	{"knowledge", []string{"government agencies", "irs doesnt call", "written notice", "official mail"}},
}

var negativeGroups = []keywordGroup{
	{"compliance", []string{"okay", "yes", "sure", "how much", "what do i do", "help me"}},
	{"panic", []string{"worried", "scared", "urgent", "immediately", "right now"}},
	{"information_sharing", []string{"social security", "bank account", "credit card", "password", "pin"}},
}

// Scenario is a drill with the replies that show it was recognized.
type Scenario struct {
	ID      string
	Context string
	Good    []string
}

var DefaultScenarios = []Scenario{
	{"call-1", "irs_tax_scam", []string{"irs sends written notices", "government doesnt call", "verify through official channels"}},
	{"call-2", "tech_support_scam", []string{"microsoft doesnt call", "tech support scam", "hang up immediately"}},
	{"text-1", "bank_alert_scam", []string{"call bank directly", "use official app", "check account through website"}},
	{"text-2", "delivery_scam", []string{"check official tracking", "go to official website", "ignore suspicious links"}},
}

// Keyword scores replies locally by phrase matching. It is deterministic.
type Keyword struct {
	scenarios map[string]Scenario
}

func NewKeyword(scenarios ...Scenario) *Keyword {
	if len(scenarios) == 0 {
		scenarios = DefaultScenarios
	}
	k := &Keyword{scenarios: make(map[string]Scenario, len(scenarios))}
	for _, s := range scenarios {
		k.scenarios[s.ID] = s
	}
	return k
}

func (k *Keyword) Scenario(id string) (Scenario, bool) {
	s, ok := k.scenarios[id]
	return s, ok
}

func (k *Keyword) Score(ctx context.Context, scenarioID, text string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	norm := normalize(text)
	r := Result{
		ScenarioID:      scenarioID,
		Positive:        match(norm, positiveGroups),
		Negative:        match(norm, negativeGroups),
		ScenarioMatches: []string{},
		WordCount:       len(strings.Fields(text)),
	}
	if s, ok := k.scenarios[scenarioID]; ok {
		for _, p := range s.Good {
			if contains(norm, p) {
				r.ScenarioMatches = append(r.ScenarioMatches, p)
			}
		}
	}

	raw := len(r.Positive)*positiveWeight + len(r.Negative)*negativeWeight +
		len(r.ScenarioMatches)*scenarioWeight
	if r.WordCount < shortWords {
		raw += shortPenalty
	}
	r.Score = max(0, min(100, raw+baseline))
	r.Quality, r.Message = grade(r.Score)
	r.Recommendations = recommend(r)
	r.Length = lengthClass(r.WordCount)
	return r, nil
}

func match(norm string, groups []keywordGroup) []string {
	found := []string{}
	for _, g := range groups {
		for _, p := range g.phrases {
			if contains(norm, p) {
				found = append(found, p)
			}
		}
	}
	return found
}

func grade(score int) (Quality, string) {
	switch {
	case score >= 80:
		return Excellent, "Outstanding response! You demonstrated strong scam awareness."
	case score >= 60:
		return Good, "Good response! You showed awareness of the scam tactics."
	case score >= 40:
		return Fair, "Fair response, but could be improved with more assertiveness."
	}
	return Poor, "Your response suggests vulnerability to this scam. Practice being more skeptical."
}

func recommend(r Result) []string {
	recs := []string{}
	if r.Score < 60 {
		recs = append(recs,
			"Practice saying 'no' firmly and hanging up immediately",
			"Remember: legitimate organizations don't create false urgency")
	}
	if len(r.Positive) == 0 {
		recs = append(recs, "Use phrases like 'I need to verify this' or 'I'll call back through official channels'")
	}
	if len(r.Negative) > 0 {
		recs = append(recs,
			"Avoid showing panic or agreeing to demands from unknown callers",
			"Never share personal information over unsolicited calls or messages")
	}
	if r.Score >= 80 {
		recs = append(recs, "Excellent work! Consider helping others learn these skills")
	}
	return recs
}
