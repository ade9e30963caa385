package domain

import "time"

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Passage is a document chunk returned by the index. Score is normalized to [0,1].
type Passage struct {
	Text     string  `json:"text"`
	Source   string  `json:"source"`
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

// SearchRequest is what the retriever asks of the document index.
type SearchRequest struct {
	Query     string
	TopK      int
	Threshold float64
	Category  string
}

// QueryResult is the outcome of one query. It is always well formed, also on
// degraded paths.
type QueryResult struct {
	Answer              string     `json:"answer"`
	HasAnswer           bool       `json:"hasAnswer"`
	Confidence          Confidence `json:"confidence"`
	Sources             []string   `json:"sources"`
	ResponseTimeSeconds float64    `json:"responseTimeSeconds"`
	SessionID           string     `json:"sessionId"`
	ResolvedQuestion    *string    `json:"resolvedQuestion,omitempty"`
	Reason              string     `json:"reason,omitempty"`
	Debug               *DebugInfo `json:"debug,omitempty"`
}

type DebugInfo struct {
	PromptVersion string           `json:"promptVersion"`
	Passages      []PassagePreview `json:"passages"`
}

type PassagePreview struct {
	Source   string  `json:"source"`
	Category string  `json:"category"`
	Score    float64 `json:"score"`
	Preview  string  `json:"preview"`
}

// QueryLog is the audit record written for every query, answered or not.
type QueryLog struct {
	ID                  string
	SessionID           string
	UserID              string
	ClientIP            string
	Question            string
	ResolvedQuestion    string
	Answer              string
	HasAnswer           bool
	Confidence          Confidence
	Sources             []string
	PassagesRetrieved   int
	ResponseTimeSeconds float64
	Model               string
	PromptVersion       string
	TopK                int
	Threshold           float64
	Category            string
	Temperature         float64
	MaxTokens           int
	Stage               string
	ErrorType           string
	ErrorMessage        string
	CreatedAt           time.Time
}
