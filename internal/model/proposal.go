package model

import "fmt"

// Proposal is a governance proposal submitted to the objective board. The
// document is stored verbatim inside its receipt along with the validation
// outcome; rejection is informational, not enforced by the ledger.
type Proposal struct {
	Title      string   `json:"title"`
	Author     string   `json:"author,omitempty"`
	Rationale  string   `json:"rationale"`
	Principles []string `json:"principles,omitempty"`
	Changes    []string `json:"changes"`
}

// ValidateProposal checks structural limits only. Semantic validation against
// the constitution is the objective board's job.
func ValidateProposal(p Proposal) error {
	if p.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(p.Title) > MaxDomainLen {
		return fmt.Errorf("title exceeds maximum length of %d characters", MaxDomainLen)
	}
	if len(p.Changes) == 0 {
		return fmt.Errorf("at least one change is required")
	}
	return nil
}

// ProposalReceipt is the response of POST /objective/proposals.
type ProposalReceipt struct {
	ReceiptID string   `json:"receipt_id"`
	OK        bool     `json:"ok"`
	Notes     []string `json:"notes"`
}

// ProposalPayload is the payload of an "objective.proposed" receipt.
type ProposalPayload struct {
	OK       bool     `json:"ok"`
	Notes    []string `json:"notes"`
	Proposal Proposal `json:"proposal"`
}
