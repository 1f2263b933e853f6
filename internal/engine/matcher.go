package engine

import (
	"github.com/opensalud/convenia/internal/domain"
)

// findCandidates filters the snapshot to rules that match an attention
// record: active flag set, validity window covering the resolved reference
// date, and every owned criterion true. The snapshot is already sorted by
// priority ascending with rule ID tie-break, so the returned slice keeps a
// stable, deterministic order. Zero matches is a valid outcome.
func findCandidates(snap *Snapshot, att *domain.Attention) ([]*compiledRule, error) {
	var candidates []*compiledRule

	for _, cr := range snap.rules {
		if !cr.Rule.Enabled {
			continue
		}
		if !windowCovers(cr.Rule, att) {
			continue
		}

		matched := true
		for _, crit := range cr.Criteria {
			ok, err := crit.eval(att)
			if err != nil {
				return nil, err
			}
			if !ok {
				matched = false
				break
			}
		}
		if matched {
			candidates = append(candidates, cr)
		}
	}

	return candidates, nil
}

// windowCovers checks the rule's validity window against the reference date
// selected by its dateReference. Both bounds are inclusive; a nil validTo
// means open-ended.
func windowCovers(rule *domain.Convenio, att *domain.Attention) bool {
	ref := att.ReferenceDate(rule.DateReference)
	if ref.Before(rule.ValidFrom) {
		return false
	}
	if rule.ValidTo != nil && ref.After(*rule.ValidTo) {
		return false
	}
	return true
}
