package formance

import (
	"context"
	"fmt"
	"strings"

	"pos-payments-go/internal/models"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// walletAccount is the ledger account mirroring one wallet address
func walletAccount(address string) string {
	return "wallet:" + address
}

// buildScript renders one Numscript posting per non-zero change. Credits
// flow from @world, debits flow back to it.
func buildScript(ref models.OrderRef, changes []models.BalanceChange) (string, map[string]string) {
	var decl, body strings.Builder
	vars := map[string]string{
		"asset":      coinAsset,
		"order_ref":  ref.String(),
		"order_kind": string(ref.Kind),
		"order_uid":  ref.Uid,
	}

	decl.WriteString("vars {\n  asset $asset\n")
	for i, change := range changes {
		if change.Amount.IsZero() {
			continue
		}
		fmt.Fprintf(&decl, "  account $wallet_%d\n  number $amount_%d\n", i, i)
		vars[fmt.Sprintf("wallet_%d", i)] = walletAccount(change.Address)
		vars[fmt.Sprintf("amount_%d", i)] = toSmallestUnit(change.Amount.Abs())

		if change.Amount.IsPositive() {
			fmt.Fprintf(&body, "send [$asset $amount_%d] (\n  source = @world\n  destination = $wallet_%d\n)\n\n", i, i)
		} else {
			fmt.Fprintf(&body, "send [$asset $amount_%d] (\n  source = $wallet_%d allowing unbounded overdraft\n  destination = @world\n)\n\n", i, i)
		}
	}
	decl.WriteString("  string $order_ref\n  string $order_kind\n  string $order_uid\n}\n\n")

	body.WriteString("set_tx_meta(\"order_ref\", $order_ref)\n")
	body.WriteString("set_tx_meta(\"order_kind\", $order_kind)\n")
	body.WriteString("set_tx_meta(\"order_uid\", $order_uid)\n")

	return decl.String() + body.String(), vars
}

// revisionReference identifies one batch of rows for an order. Row ids
// change whenever the batch is rewritten.
func revisionReference(ref models.OrderRef, changes []models.BalanceChange) string {
	return ref.String() + ":" + changes[0].Id
}

// RecordBalanceChanges posts the batch as a single ledger transaction
func (s *Service) RecordBalanceChanges(ctx context.Context, ref models.OrderRef, changes []models.BalanceChange) error {
	if len(changes) == 0 {
		return nil
	}
	script, vars := buildScript(ref, changes)

	_, err := s.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger: s.ledger,
		V2PostTransaction: shared.V2PostTransaction{
			Reference: strPtr(revisionReference(ref, changes)),
			Script: &shared.V2PostTransactionScript{
				Plain: script,
				Vars:  vars,
			},
		},
	})
	if err != nil {
		if isConflictError(err) {
			return nil // idempotent
		}
		return fmt.Errorf("error journaling balance changes for %s: %w", ref, err)
	}

	zap.L().Debug("Balance changes journaled in Formance",
		zap.String("order", ref.String()),
		zap.Int("rows", len(changes)))
	return nil
}

// RevertBalanceChanges reverts every live journal entry of the order
func (s *Service) RevertBalanceChanges(ctx context.Context, ref models.OrderRef) error {
	resp, err := s.client.Ledger.V2.ListTransactions(ctx, operations.V2ListTransactionsRequest{
		Ledger: s.ledger,
		RequestBody: map[string]any{
			"$match": map[string]any{
				"metadata[order_ref]": ref.String(),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to find journal entries for %s: %w", ref, err)
	}

	for _, tx := range resp.V2TransactionsCursorResponse.Cursor.Data {
		if tx.Reverted {
			continue
		}
		_, err = s.client.Ledger.V2.RevertTransaction(ctx, operations.V2RevertTransactionRequest{
			Ledger:          s.ledger,
			ID:              tx.ID,
			AtEffectiveDate: ptrBool(true),
		})
		if err != nil {
			if isConflictError(err) || isAlreadyRevertedError(err) {
				continue
			}
			return fmt.Errorf("failed to revert journal entry %s: %w", tx.ID.String(), err)
		}
		zap.L().Info("Journal entry reverted in Formance",
			zap.String("order", ref.String()),
			zap.String("tx_id", tx.ID.String()))
	}
	return nil
}

func toSmallestUnit(amount decimal.Decimal) string {
	return amount.Shift(coinPrecision).BigInt().String()
}
