package filter

import (
	"testing"

	"github.com/estuary/federator/internal/config"
	"github.com/stretchr/testify/assert"
)

func reqs(pairs ...string) []config.AttributeRequirement {
	var out []config.AttributeRequirement
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, config.AttributeRequirement{Name: pairs[i], Value: pairs[i+1]})
	}
	return out
}

func TestEmptyRequirementsAllowsEverything(t *testing.T) {
	var f = New(nil, false)
	assert.True(t, f.Allow(nil))
	assert.True(t, f.Allow(map[string][]string{"Security-Label": {"anything=goes"}}))
}

func TestShareAllBypassesFiltering(t *testing.T) {
	var f = New(reqs("nationality", "gbr"), true)
	assert.True(t, f.Allow(nil))
}

func TestSingleFilterPass(t *testing.T) {
	var f = New(reqs("nationality", "gbr"), false)
	assert.True(t, f.Allow(map[string][]string{
		"Security-Label": {"nationality=GBR,clearance=O,organisation_type=NON-GOV"},
	}))
	assert.False(t, f.Allow(map[string][]string{
		"Security-Label": {"nationality=FRA"},
	}))
}

func TestMultiFilterANDCaseInsensitive(t *testing.T) {
	var f = New(reqs("nationality", "gbr", "clearance", "0", "organisation_type", "non-gov3"), false)

	// Missing clearance => rejected.
	assert.False(t, f.Allow(map[string][]string{
		"Security-Label": {"nationality=GBR,organisation_type=NON-GOV3"},
	}))

	// Uppercase CLEARANCE=0 accepted.
	assert.True(t, f.Allow(map[string][]string{
		"Security-Label": {"nationality=GBR,CLEARANCE=0,organisation_type=NON-GOV3"},
	}))
}

func TestMissingHeaderIsDenied(t *testing.T) {
	var f = New(reqs("nationality", "gbr"), false)
	assert.False(t, f.Allow(map[string][]string{}))
	assert.False(t, f.Allow(nil))
}

func TestUnparsableLabelIsDenied(t *testing.T) {
	var f = New(reqs("nationality", "gbr"), false)
	assert.False(t, f.Allow(map[string][]string{"Security-Label": {"garbage-no-equals"}}))
}
