package types

import "time"

// ScoringLog records the outcome of a single task run against one
// submission. A failed task carries a zero score and an annotation
// describing what went wrong.
type ScoringLog struct {
	TaskID        string   `json:"task_id"`
	Score         float64  `json:"score"`
	BaselineScore *float64 `json:"baseline_score,omitempty"`
	Error         string   `json:"error,omitempty"`
	Annotation    string   `json:"annotation,omitempty"`
}

// ComparisonLog records one pairwise similarity measurement between
// this submission and another miner's submission from the same window.
type ComparisonLog struct {
	OtherMiner string  `json:"other_miner"`
	OtherHash  string  `json:"other_hash"`
	Similarity float64 `json:"similarity"`
	Error      string  `json:"error,omitempty"`
}

// ScoringResult is the durable record produced for one distinct
// submission content. It is keyed by (Challenge, ContentHash) so
// identical payloads from different commits share a single record.
//
// Raw score and scoring logs are written once when the content is
// first executed. Penalty, final score, normalized score and the
// finalized flag are overwritten at finalization, which makes
// re-finalizing the same day a no-op beyond the rewrite.
type ScoringResult struct {
	Challenge       string          `json:"challenge"`
	ContentHash     string          `json:"content_hash"`
	RawScore        float64         `json:"raw_score"`
	Penalty         float64         `json:"penalty"`
	FinalScore      float64         `json:"final_score"`
	NormalizedScore float64         `json:"normalized_score"`
	ScoringLogs     []ScoringLog    `json:"scoring_logs"`
	ComparisonLogs  []ComparisonLog `json:"comparison_logs"`
	Finalized       bool            `json:"is_done"`
	ScoredAt        time.Time       `json:"scored_at"`
}

// MeanScore returns the average task score across the scoring logs,
// or zero when no task ran.
func (r *ScoringResult) MeanScore() float64 {
	if len(r.ScoringLogs) == 0 {
		return 0
	}
	var sum float64
	for _, l := range r.ScoringLogs {
		sum += l.Score
	}
	return sum / float64(len(r.ScoringLogs))
}
