package wallet

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var million = decimal.NewFromInt(1_000_000)

// WithdrawalFee computes the fee for a withdrawal at feePpm parts per
// million, rounded down to whole sats. The fee comes out of the amount
// sent to the provider; the user's balance is debited the full amount.
func WithdrawalFee(amount, feePpm int64) int64 {
	if amount <= 0 || feePpm <= 0 {
		return 0
	}

	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(feePpm)).
		Div(million).
		Floor().
		IntPart()
}

func uuidV7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("wallet: generate payout ID: %w", err)
	}

	return id.String(), nil
}
