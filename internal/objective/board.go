// Package objective validates governance proposals against a constitution
// document and records them in the ledger. Validation is advisory: every
// proposal is recorded, valid or not, and callers decide what to do with a
// rejection.
package objective

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/smartnet-labs/smartnet/internal/model"
)

// Constitution is the governance document proposals are checked against.
type Constitution struct {
	Version    string      `yaml:"version"`
	Principles []Principle `yaml:"principles"`
	// ForbiddenVerbs are change verbs the board flags outright, e.g.
	// irreversible deletions.
	ForbiddenVerbs []string `yaml:"forbidden_verbs"`
	// RequireRationale, when true, rejects proposals without a rationale.
	RequireRationale bool `yaml:"require_rationale"`
}

// Principle is a named tenet a proposal may cite.
type Principle struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
}

// LoadConstitution parses the constitution YAML at path.
func LoadConstitution(path string) (Constitution, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Constitution{}, fmt.Errorf("objective: read constitution %s: %w", path, err)
	}
	var c Constitution
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Constitution{}, fmt.Errorf("objective: parse constitution %s: %w", path, err)
	}
	if len(c.Principles) == 0 {
		return Constitution{}, fmt.Errorf("objective: constitution %s declares no principles", path)
	}
	return c, nil
}

// Board applies the constitution to proposals.
type Board struct {
	constitution Constitution
	principles   map[string]bool
}

// NewBoard builds the board's principle lookup.
func NewBoard(c Constitution) *Board {
	principles := make(map[string]bool, len(c.Principles))
	for _, p := range c.Principles {
		principles[p.ID] = true
	}
	return &Board{constitution: c, principles: principles}
}

// Validate returns the board's verdict and notes. Notes accompany both
// verdicts: a valid proposal still collects advisories.
func (b *Board) Validate(p model.Proposal) (bool, []string) {
	ok := true
	var notes []string

	if b.constitution.RequireRationale && strings.TrimSpace(p.Rationale) == "" {
		ok = false
		notes = append(notes, "rationale is required by the constitution")
	}

	for _, change := range p.Changes {
		lower := strings.ToLower(change)
		for _, verb := range b.constitution.ForbiddenVerbs {
			if strings.Contains(lower, strings.ToLower(verb)) {
				ok = false
				notes = append(notes, fmt.Sprintf("change %q uses forbidden verb %q", change, verb))
			}
		}
	}

	for _, id := range p.Principles {
		if !b.principles[id] {
			ok = false
			notes = append(notes, fmt.Sprintf("unknown principle %q", id))
		}
	}
	if len(p.Principles) == 0 {
		notes = append(notes, "proposal cites no principles; consider referencing at least one")
	}

	if ok && len(notes) == 0 {
		notes = append(notes, "proposal conforms to constitution "+b.constitution.Version)
	}
	return ok, notes
}
