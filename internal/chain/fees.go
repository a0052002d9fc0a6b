package chain

import "math"

// BaseFeeChangeDenominator bounds how fast the base fee can move between
// consecutive blocks: at most 1/8th per block, in either direction.
const BaseFeeChangeDenominator = 8

// ComputeBaseFee returns the base fee for the child of a block with the
// given base fee and gas usage. The fee drifts toward equilibrium at half
// the block gas limit: fuller parents raise it, emptier parents lower it,
// and it never drops below the floor.
func ComputeBaseFee(parentBaseFee, parentGasUsed, gasLimit, floor uint64) uint64 {
	target := gasLimit / 2
	if target == 0 || parentGasUsed == target {
		return clampFloor(parentBaseFee, floor)
	}

	if parentGasUsed > target {
		delta := feeDelta(parentBaseFee, parentGasUsed-target, target)
		if delta == 0 {
			delta = 1
		}
		next := parentBaseFee + delta
		if next < parentBaseFee { // overflow
			next = parentBaseFee
		}
		return clampFloor(next, floor)
	}

	delta := feeDelta(parentBaseFee, target-parentGasUsed, target)
	if delta >= parentBaseFee {
		return floor
	}
	return clampFloor(parentBaseFee-delta, floor)
}

// feeDelta computes fee*diff/target/denominator without overflowing the
// multiplication. diff is at most target, so the result is at most
// fee/denominator.
func feeDelta(fee, diff, target uint64) uint64 {
	if diff != 0 && fee > math.MaxUint64/diff {
		return fee / BaseFeeChangeDenominator / target * diff
	}
	return fee * diff / target / BaseFeeChangeDenominator
}

func clampFloor(fee, floor uint64) uint64 {
	if fee < floor {
		return floor
	}
	return fee
}
