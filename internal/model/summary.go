package model

import "math"

// MaxScore is the maximum score per question.
const MaxScore = 10

// Summary aggregates one evaluation run.
type Summary struct {
	Total      int     `json:"total"`
	Max        int     `json:"max"`
	Percentage float64 `json:"percentage"`
}

// Summarize computes the aggregate score over a set of evaluations.
// Percentage is rounded to one decimal place. An empty input returns
// ErrNothingToEvaluate rather than dividing by zero.
func Summarize(evals []Evaluation) (Summary, error) {
	if len(evals) == 0 {
		return Summary{}, ErrNothingToEvaluate
	}

	total := 0
	for _, e := range evals {
		total += e.Score
	}
	max := MaxScore * len(evals)

	return Summary{
		Total:      total,
		Max:        max,
		Percentage: math.Round(float64(total)/float64(max)*1000) / 10,
	}, nil
}
