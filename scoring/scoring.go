// Package scoring rates a trainee's spoken reply to a scam scenario.
package scoring

import (
	"context"
	"regexp"
	"strings"
)

type Quality string

const (
	Excellent Quality = "excellent"
	Good      Quality = "good"
	Fair      Quality = "fair"
	Poor      Quality = "poor"
)

// Result is the verdict for one reply. Score is on a 0–100 scale.
type Result struct {
	ScenarioID      string   `json:"scenario_id,omitempty"`
	Score           int      `json:"confidence_score"`
	Quality         Quality  `json:"quality"`
	Message         string   `json:"message"`
	Positive        []string `json:"positive_keywords"`
	Negative        []string `json:"negative_keywords"`
	ScenarioMatches []string `json:"scenario_matches"`
	Recommendations []string `json:"recommendations"`
	WordCount       int      `json:"word_count"`
	Length          string   `json:"response_length"`
}

type Scorer interface {
	Score(ctx context.Context, scenarioID, text string) (Result, error)
}

var (
	nonWord    = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	whitespace = regexp.MustCompile(`\s+`)
)

// normalize lowercases, folds apostrophes ("doesn't" → "doesnt") and
// replaces punctuation with spaces. The result is padded with single
// spaces so phrases can be matched on word boundaries.
func normalize(text string) string {
	text = strings.ToLower(text)
	text = strings.NewReplacer("'", "", "’", "").Replace(text)
	text = nonWord.ReplaceAllString(text, " ")
	text = whitespace.ReplaceAllString(strings.TrimSpace(text), " ")
	return " " + text + " "
}

func contains(normalized, phrase string) bool {
	return strings.Contains(normalized, " "+phrase+" ")
}

func lengthClass(words int) string {
	switch {
	case words < 5:
		return "short"
	case words < 15:
		return "medium"
	}
	return "long"
}
