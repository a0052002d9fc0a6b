package importer

import "fmt"

// Kind classifies what an import attempt did.
type Kind uint8

const (
	// KindUndecided is the zero value, only seen alongside an error.
	KindUndecided Kind = iota
	// KindImported means the block was committed to storage.
	KindImported
	// KindAlreadyInChain means the block was committed earlier.
	KindAlreadyInChain
	// KindKnownBad means the block failed validation on a previous attempt.
	KindKnownBad
	// KindInvalid means the block failed a validation stage now.
	KindInvalid
)

// Outcome is the closed result variant of one import attempt.
type Outcome struct {
	Kind Kind
	// ExtendsBest reports whether the block became part of the best
	// chain. Only meaningful for KindImported.
	ExtendsBest bool
	// Reason describes the rejection. Only set for KindInvalid.
	Reason string
}

// Imported marks a committed block, on the best chain or a side branch.
func Imported(extendsBest bool) Outcome {
	return Outcome{Kind: KindImported, ExtendsBest: extendsBest}
}

// AlreadyInChain marks a block committed by an earlier import.
func AlreadyInChain() Outcome {
	return Outcome{Kind: KindAlreadyInChain}
}

// KnownBad marks a block rejected on a previous attempt.
func KnownBad() Outcome {
	return Outcome{Kind: KindKnownBad}
}

// Invalid marks a block rejected by a validation stage.
func Invalid(reason string) Outcome {
	return Outcome{Kind: KindInvalid, Reason: reason}
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindImported:
		if o.ExtendsBest {
			return "imported(best)"
		}
		return "imported(side)"
	case KindAlreadyInChain:
		return "already-in-chain"
	case KindKnownBad:
		return "known-bad"
	case KindInvalid:
		return fmt.Sprintf("invalid: %s", o.Reason)
	default:
		return "undecided"
	}
}
