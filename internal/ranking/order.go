package ranking

import "sort"

type lessFunc func(left, right *Entry) bool

// comparator maps each privacy mode to its ordering. Partial and full share the
// commitment-order rule and never look at revealed amounts.
func (mode PrivacyMode) comparator(global bool) lessFunc {
	byPosition := positionLess(global)
	switch mode {
	case PrivacyModeTransparent:
		return func(left, right *Entry) bool {
			leftRevealed := left.Revealed && left.RevealedAmount.Valid
			rightRevealed := right.Revealed && right.RevealedAmount.Valid
			if leftRevealed != rightRevealed {
				return leftRevealed
			}
			if leftRevealed {
				if cmp := left.RevealedAmount.Decimal.Cmp(right.RevealedAmount.Decimal); cmp != 0 {
					return cmp > 0
				}
			}
			return byPosition(left, right)
		}
	default:
		return byPosition
	}
}

// positionLess orders by commitment position, then by hash. Within an event the
// position is the sequence number; across events it is the commit time.
func positionLess(global bool) lessFunc {
	return func(left, right *Entry) bool {
		if global {
			if left.CommittedAtSeconds != right.CommittedAtSeconds {
				return left.CommittedAtSeconds < right.CommittedAtSeconds
			}
			if left.EventID != right.EventID {
				return left.EventID < right.EventID
			}
		}
		if left.SequenceNumber != right.SequenceNumber {
			return left.SequenceNumber < right.SequenceNumber
		}
		return left.CommitmentHash < right.CommitmentHash
	}
}

// order sorts entries and assigns ranks 1..N.
func order(entries []Entry, mode PrivacyMode, scope Scope) {
	less := mode.comparator(scope.Global())
	sort.SliceStable(entries, func(i, j int) bool {
		return less(&entries[i], &entries[j])
	})
	scopeKey := scope.Key()
	for index := range entries {
		entries[index].Rank = index + 1
		entries[index].ScopeKey = scopeKey
	}
}
