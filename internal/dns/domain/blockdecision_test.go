package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	zones := []string{"example.com"}

	assert.Equal(t, Block, Decide("ads.example.com", zones).Verdict)
	assert.Equal(t, Block, Decide("example.com", zones).Verdict)
	assert.Equal(t, Allow, Decide("notexample.com", zones).Verdict)
}

func TestDecide_Normalization(t *testing.T) {
	d := Decide("ADS.Tracker.Example.", []string{"other.test", "tracker.example."})
	assert.True(t, d.IsBlocked())
	assert.Equal(t, "tracker.example", d.MatchedZone)
}

func TestDecide_EmptyZonesAllow(t *testing.T) {
	assert.Equal(t, EmptyDecision(), Decide("example.com.", nil))
	assert.Equal(t, EmptyDecision(), Decide("example.com.", []string{}))
}

func TestDecide_RootZoneBlocksEverything(t *testing.T) {
	d := Decide("anything.at.all.", []string{""})
	assert.True(t, d.IsBlocked())
	assert.Equal(t, "", d.MatchedZone)
}

func TestVerdict_String(t *testing.T) {
	assert.Equal(t, "allow", Allow.String())
	assert.Equal(t, "block", Block.String())
}
