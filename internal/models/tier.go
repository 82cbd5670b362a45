package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

// Tier is a named entitlement level. The set is closed.
type Tier string

const (
	TierMicrobe Tier = "microbe"
	TierSpore   Tier = "spore"
	TierSeed    Tier = "seed"
	TierFlower  Tier = "flower"
	TierNectar  Tier = "nectar"
)

// DefaultTier is assigned at signup.
const DefaultTier = TierSpore

var ErrUnknownTier = errors.New("unknown tier")

var tierRanks = map[Tier]int{
	TierMicrobe: 0,
	TierSpore:   1,
	TierSeed:    2,
	TierFlower:  3,
	TierNectar:  4,
}

// AllTiers lists tiers in ascending rank order.
func AllTiers() []Tier {
	return []Tier{TierMicrobe, TierSpore, TierSeed, TierFlower, TierNectar}
}

// ParseTier validates s against the closed tier set.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := tierRanks[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

// Rank orders tiers; microbe (suspended) is 0.
func (t Tier) Rank() int {
	rank, ok := tierRanks[t]
	if !ok {
		return -1
	}
	return rank
}

func (t Tier) IsValid() bool {
	_, ok := tierRanks[t]
	return ok
}

func (t Tier) String() string {
	return string(t)
}

// Below returns every tier strictly lower in rank than t.
func (t Tier) Below() []Tier {
	var lower []Tier
	for _, candidate := range AllTiers() {
		if candidate.Rank() < t.Rank() {
			lower = append(lower, candidate)
		}
	}
	return lower
}

// Value implements driver.Valuer
func (t Tier) Value() (driver.Value, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, string(t))
	}
	return string(t), nil
}

// Scan implements sql.Scanner
func (t *Tier) Scan(value interface{}) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into Tier", value)
	}
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// HigherTier returns whichever of a and b ranks higher.
func HigherTier(a, b Tier) Tier {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
