package model

import (
	"fmt"
	"regexp"
)

// DefaultScoreGate is the minimum passing score applied when a pod's metadata
// is missing or malformed.
const DefaultScoreGate = 95

// Pod is an isolated knowledge domain with its own corpus, eval suite, and
// score gate. Immutable after creation.
type Pod struct {
	PodID     string `json:"pod_id"`
	Domain    string `json:"domain"`
	Owner     string `json:"owner"`
	CreatedAt int64  `json:"created_at"`
	ScoreGate int    `json:"score_gate"`
}

// NewPodRequest is the body of POST /pods. PodID and ScoreGate are optional;
// the server generates a short id and applies DefaultScoreGate when omitted.
type NewPodRequest struct {
	PodID     string `json:"pod_id,omitempty"`
	Domain    string `json:"domain"`
	Owner     string `json:"owner,omitempty"`
	ScoreGate int    `json:"score_gate,omitempty"`
}

var podIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidatePodID rejects empty, oversized, or path-unsafe pod ids. Pod ids
// become directory names, so the character set is restricted up front rather
// than sanitized.
func ValidatePodID(id string) error {
	if id == "" {
		return fmt.Errorf("pod_id is required")
	}
	if len(id) > MaxPodIDLen {
		return fmt.Errorf("pod_id exceeds maximum length of %d characters", MaxPodIDLen)
	}
	if !podIDPattern.MatchString(id) {
		return fmt.Errorf("pod_id may only contain letters, digits, '_' and '-'")
	}
	return nil
}

// ValidateNewPod checks a pod creation request. A caller-supplied pod id is
// validated; a missing one is filled in later by the server.
func ValidateNewPod(req NewPodRequest) error {
	if req.PodID != "" {
		if err := ValidatePodID(req.PodID); err != nil {
			return err
		}
	}
	if req.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if len(req.Domain) > MaxDomainLen {
		return fmt.Errorf("domain exceeds maximum length of %d characters", MaxDomainLen)
	}
	if len(req.Owner) > MaxOwnerLen {
		return fmt.Errorf("owner exceeds maximum length of %d characters", MaxOwnerLen)
	}
	if req.ScoreGate < 0 || req.ScoreGate > 100 {
		return fmt.Errorf("score_gate must be between 0 and 100")
	}
	return nil
}

// IngestResult reports the corpus files written by POST /pods/{id}/ingest.
type IngestResult struct {
	PodID string   `json:"pod_id"`
	Saved []string `json:"saved"`
}
