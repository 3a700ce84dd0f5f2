package wallet_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/satstacker/satstacker/internal/wallet"
)

func TestWithdrawalFee(t *testing.T) {
	tests := map[string]struct {
		amount int64
		feePpm int64
		want   int64
	}{
		"0.1% of 10000 sats":        {amount: 10_000, feePpm: 1000, want: 10},
		"rounds down to whole sats": {amount: 999, feePpm: 1000, want: 0},
		"1% of 21 sats":             {amount: 21, feePpm: 10_000, want: 0},
		"1% of 2100 sats":           {amount: 2100, feePpm: 10_000, want: 21},
		"zero fee rate":             {amount: 10_000, feePpm: 0, want: 0},
		"zero amount":               {amount: 0, feePpm: 1000, want: 0},
		"large amount no overflow":  {amount: 2_100_000_000_000_000, feePpm: 1000, want: 2_100_000_000_000},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, wallet.WithdrawalFee(tt.amount, tt.feePpm))
		})
	}
}
