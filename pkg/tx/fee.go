package tx

// Gas accounting constants for the deterministic built-in executor.
const (
	// GasTxBase is charged for every transaction.
	GasTxBase = 21000

	// GasInputZeroByte / GasInputNonZeroByte are charged per input byte.
	GasInputZeroByte    = 4
	GasInputNonZeroByte = 16
)

// IntrinsicGas returns the gas consumed by a transaction before any
// execution: the base cost plus a per-byte cost for the input payload.
func IntrinsicGas(input []byte) uint64 {
	gas := uint64(GasTxBase)
	for _, b := range input {
		if b == 0 {
			gas += GasInputZeroByte
		} else {
			gas += GasInputNonZeroByte
		}
	}
	return gas
}

// EffectiveTip returns the per-gas tip the author earns from a transaction
// given the block's base fee, floored at zero.
func EffectiveTip(gasPrice, baseFee uint64) uint64 {
	if gasPrice <= baseFee {
		return 0
	}
	return gasPrice - baseFee
}

// Fee returns the total fee paid by a transaction that consumed gasUsed gas.
func Fee(gasUsed, gasPrice uint64) uint64 {
	return gasUsed * gasPrice
}
