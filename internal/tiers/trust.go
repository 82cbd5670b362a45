package tiers

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"pollen_ledger/internal/models"
)

type trustStep struct {
	tier     models.Tier
	minScore float64
}

// TrustPolicy maps an externally computed trust score to the highest tier
// whose minimum score it reaches.
type TrustPolicy struct {
	steps []trustStep
}

// ParseTrustPolicy parses "seed:0.5,flower:0.8".
func ParseTrustPolicy(thresholds string) (*TrustPolicy, error) {
	policy := &TrustPolicy{}
	for _, part := range strings.Split(thresholds, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, raw, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("invalid trust threshold %q", part)
		}
		tier, err := models.ParseTier(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid trust threshold %q: %w", part, err)
		}
		policy.steps = append(policy.steps, trustStep{tier: tier, minScore: score})
	}
	sort.Slice(policy.steps, func(i, j int) bool {
		return policy.steps[i].tier.Rank() > policy.steps[j].tier.Rank()
	})
	return policy, nil
}

// TierFor returns the tier earned by score, or false if none.
func (p *TrustPolicy) TierFor(score float64) (models.Tier, bool) {
	for _, step := range p.steps {
		if score >= step.minScore {
			return step.tier, true
		}
	}
	return "", false
}
