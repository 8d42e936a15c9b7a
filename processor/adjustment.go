/*
adjustment.go - Manual correction: requested -> wallet_credited

PURPOSE:
  Administrative top-ups and fixes. Same ApplyDelta path as every other
  mutation; the operator supplies the external reference and it must be
  unique, so a double-submitted form replays instead of double-crediting.
*/
package processor

import (
	"context"

	"go.uber.org/zap"

	"github.com/pesaflow/ledger-engine/ledger"
)

// =============================================================================
// ADJUSTMENT PROCESSOR
// =============================================================================

type AdjustmentProcessor struct {
	Wallets *ledger.WalletService
	Logger  *zap.Logger
}

func NewAdjustmentProcessor(wallets *ledger.WalletService, logger *zap.Logger) *AdjustmentProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdjustmentProcessor{Wallets: wallets, Logger: logger}
}

// AdjustmentInput describes one operator correction.
type AdjustmentInput struct {
	PartnerID ledger.PartnerID
	Amount    ledger.Money // signed: top-up positive, correction debit negative
	Reference string       // operator-supplied, must be unique per wallet
	Reason    string
	Actor     string
}

// Apply records the adjustment. Credits land as top_up, debits as charge.
func (p *AdjustmentProcessor) Apply(ctx context.Context, in AdjustmentInput) (ledger.ApplyDeltaResult, error) {
	if in.Reference == "" {
		return ledger.ApplyDeltaResult{}, ledger.ErrReferenceRequired
	}

	txType := ledger.TxTopUp
	if in.Amount.IsNegative() {
		txType = ledger.TxCharge
	}

	res, err := p.Wallets.ApplyDelta(ctx, ledger.ApplyDeltaInput{
		PartnerID:         in.PartnerID,
		Amount:            in.Amount,
		Type:              txType,
		ExternalReference: in.Reference,
		Metadata: map[string]string{
			"source": "manual_adjustment",
			"reason": in.Reason,
			"actor":  in.Actor,
		},
	})
	if err != nil {
		return ledger.ApplyDeltaResult{}, err
	}

	p.Logger.Info("manual adjustment applied",
		zap.String("partner_id", string(in.PartnerID)),
		zap.String("amount", in.Amount.String()),
		zap.String("reference", in.Reference),
		zap.String("actor", in.Actor),
		zap.Bool("replayed", res.Replayed),
	)
	return res, nil
}
