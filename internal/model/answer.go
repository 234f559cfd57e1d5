package model

import "fmt"

// DefaultTopK is the number of snippets retrieved when a query omits k.
const DefaultTopK = 5

// MaxTopK bounds k to keep context assembly cheap.
const MaxTopK = 50

// QueryRequest is the body of POST /pods/{id}/query.
type QueryRequest struct {
	Question string `json:"question"`
	K        int    `json:"k,omitempty"`
}

// ValidateQuery checks a query request and normalizes k.
func ValidateQuery(req *QueryRequest) error {
	if req.Question == "" {
		return fmt.Errorf("question is required")
	}
	if len(req.Question) > MaxQuestionLen {
		return fmt.Errorf("question exceeds maximum length of %d bytes", MaxQuestionLen)
	}
	if req.K < 0 || req.K > MaxTopK {
		return fmt.Errorf("k must be between 0 and %d", MaxTopK)
	}
	if req.K == 0 {
		req.K = DefaultTopK
	}
	return nil
}

// Citation references one retrieved corpus document, preserving retrieval order.
type Citation struct {
	DocID string  `json:"doc_id"`
	Score float64 `json:"score"`
}

// Answer is a templated draft answer with citations and audience-specific
// framings (the "rubik" rendering).
type Answer struct {
	PodID     string            `json:"pod_id"`
	Answer    string            `json:"answer"`
	Citations []Citation        `json:"citations"`
	Rubik     map[string]string `json:"rubik"`
}
