package pools

import (
	"errors"
	"fmt"
)

func isMismatch(err error) bool {
	return errors.Is(err, ErrComparisonMismatch)
}

// diffPools compares two pool lists by address. A different set of pools
// is reported before a different order of the same set.
func diffPools(target, truth []Pool) error {
	inTruth := make(map[string]struct{}, len(truth))
	for _, p := range truth {
		inTruth[p.Address.Hex()] = struct{}{}
	}
	inTarget := make(map[string]struct{}, len(target))
	for _, p := range target {
		inTarget[p.Address.Hex()] = struct{}{}
	}

	var missing, extra []string
	for addr := range inTruth {
		if _, ok := inTarget[addr]; !ok {
			missing = append(missing, addr)
		}
	}
	for addr := range inTarget {
		if _, ok := inTruth[addr]; !ok {
			extra = append(extra, addr)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		return fmt.Errorf("%w: pool set: target missing %v, target extra %v", ErrComparisonMismatch, missing, extra)
	}

	if len(target) != len(truth) {
		return fmt.Errorf("%w: pool count: target %d, source of truth %d", ErrComparisonMismatch, len(target), len(truth))
	}
	for i := range truth {
		if target[i].Address != truth[i].Address {
			return fmt.Errorf("%w: ordering differs at index %d", ErrComparisonMismatch, i)
		}
	}
	return nil
}
