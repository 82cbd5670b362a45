package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTier(t *testing.T) {
	tests := []struct {
		input   string
		want    Tier
		wantErr bool
	}{
		{input: "microbe", want: TierMicrobe},
		{input: "spore", want: TierSpore},
		{input: "seed", want: TierSeed},
		{input: "flower", want: TierFlower},
		{input: "nectar", want: TierNectar},
		{input: "Flower", wantErr: true},
		{input: "", wantErr: true},
		{input: "pollen", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTier(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownTier)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTierRankOrdering(t *testing.T) {
	tiers := AllTiers()
	for i := 1; i < len(tiers); i++ {
		assert.Greater(t, tiers[i].Rank(), tiers[i-1].Rank())
	}
	assert.Equal(t, 0, TierMicrobe.Rank())
	assert.Equal(t, -1, Tier("gold").Rank())
}

func TestTierBelow(t *testing.T) {
	assert.Equal(t, []Tier{TierMicrobe, TierSpore}, TierSeed.Below())
	assert.Empty(t, TierMicrobe.Below())
	assert.Len(t, TierNectar.Below(), 4)
}

func TestHigherTier(t *testing.T) {
	assert.Equal(t, TierFlower, HigherTier(TierSeed, TierFlower))
	assert.Equal(t, TierNectar, HigherTier(TierNectar, TierSpore))
	assert.Equal(t, TierSeed, HigherTier(TierSeed, TierSeed))
}

func TestTierScan(t *testing.T) {
	var tier Tier
	require.NoError(t, tier.Scan([]byte("seed")))
	assert.Equal(t, TierSeed, tier)

	assert.Error(t, tier.Scan("platinum"))
	assert.Error(t, tier.Scan(42))
}
