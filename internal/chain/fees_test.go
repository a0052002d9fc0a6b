package chain

import (
	"math"
	"testing"
)

func TestComputeBaseFee(t *testing.T) {
	const limit = 15_000_000
	const target = limit / 2

	tests := []struct {
		name      string
		parentFee uint64
		used      uint64
		limit     uint64
		floor     uint64
		want      uint64
	}{
		{"at target", 1000, target, limit, 10, 1000},
		{"empty parent", 1000, 0, limit, 10, 875},
		{"full parent", 1000, limit, limit, 10, 1125},
		{"half above target", 1000, target + target/2, limit, 10, 1062},
		{"minimum upward step", 1000, target + 1, limit, 10, 1001},
		{"decrease stops at floor", 10, 0, limit, 10, 10},
		{"small decrease", 12, 0, limit, 10, 11},
		{"zero parent fee", 0, 0, limit, 10, 10},
		{"zero gas limit", 1000, 0, 0, 10, 1000},
		{"parent below floor", 5, target, limit, 10, 10},
		{"increase saturates", math.MaxUint64, limit, limit, 10, math.MaxUint64},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ComputeBaseFee(tc.parentFee, tc.used, tc.limit, tc.floor)
			if got != tc.want {
				t.Errorf("ComputeBaseFee(%d, %d, %d, %d) = %d, want %d",
					tc.parentFee, tc.used, tc.limit, tc.floor, got, tc.want)
			}
		})
	}
}

func TestComputeBaseFee_BoundedDrift(t *testing.T) {
	const limit = 15_000_000

	// Over any single block the fee moves by at most 1/8th.
	fee := uint64(1000)
	for i := 0; i < 50; i++ {
		next := ComputeBaseFee(fee, limit, limit, 10)
		if next > fee+fee/BaseFeeChangeDenominator {
			t.Fatalf("step %d: fee jumped %d -> %d", i, fee, next)
		}
		fee = next
	}

	for i := 0; i < 50; i++ {
		next := ComputeBaseFee(fee, 0, limit, 10)
		if next < fee-fee/BaseFeeChangeDenominator {
			t.Fatalf("step %d: fee dropped %d -> %d", i, fee, next)
		}
		fee = next
	}
	if fee < 10 {
		t.Fatalf("fee fell below the floor: %d", fee)
	}
}
