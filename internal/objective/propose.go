package objective

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/smartnet-labs/smartnet/internal/ledger"
	"github.com/smartnet-labs/smartnet/internal/model"
)

// Service records proposals with the board's verdict attached.
type Service struct {
	board  *Board
	ledger ledger.Store
	logger *slog.Logger
}

// NewService wires the proposal intake.
func NewService(board *Board, store ledger.Store, logger *slog.Logger) *Service {
	return &Service{board: board, ledger: store, logger: logger}
}

// Propose validates the proposal and appends the objective.proposed receipt.
// The receipt is written regardless of the verdict.
func (s *Service) Propose(ctx context.Context, p model.Proposal) (model.ProposalReceipt, error) {
	ok, notes := s.board.Validate(p)

	receipt, err := s.ledger.Append(ctx, model.EventObjectiveProposed, model.ProposalPayload{
		OK:       ok,
		Notes:    notes,
		Proposal: p,
	})
	if err != nil {
		return model.ProposalReceipt{}, fmt.Errorf("objective: record proposal: %w", err)
	}

	s.logger.Info("objective: proposal recorded",
		"receipt_id", receipt.ID,
		"title", p.Title,
		"ok", ok,
	)

	return model.ProposalReceipt{ReceiptID: receipt.ID, OK: ok, Notes: notes}, nil
}
