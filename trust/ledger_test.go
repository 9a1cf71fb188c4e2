package trust

import (
	"testing"

	"github.com/blindxfish/meshkv/identity"
)

func TestDefaultTrustIsNeutral(t *testing.T) {
	self := identity.RandomPeerId()
	other := identity.RandomPeerId()
	l := NewLedger(self)

	if got := l.BaseTrust(other); got != DefaultTrust {
		t.Errorf("expected default trust %f, got %f", DefaultTrust, got)
	}
	if l.Classify(other) != Neutral {
		t.Errorf("expected unseen peer to classify as neutral")
	}
}

func TestChangeTrustClampsAndExcludesSelf(t *testing.T) {
	self := identity.RandomPeerId()
	other := identity.RandomPeerId()
	l := NewLedger(self)

	l.ChangeTrust(other, 10) // way over 1.0
	if got := l.BaseTrust(other); got != 1.0 {
		t.Errorf("expected clamp to 1.0, got %f", got)
	}

	l.ChangeTrust(other, -10)
	if got := l.BaseTrust(other); got != 0.0 {
		t.Errorf("expected clamp to 0.0, got %f", got)
	}

	l.ChangeTrust(self, 0.5)
	for _, entry := range l.BaseTrustTable() {
		if entry.Of == self {
			t.Errorf("self must never appear in the base trust table")
		}
	}
}

func TestChangeTrustRoundTripWithinTolerance(t *testing.T) {
	self := identity.RandomPeerId()
	other := identity.RandomPeerId()
	l := NewLedger(self)

	before := l.BaseTrust(other)
	l.ChangeTrust(other, 0.2)
	l.ChangeTrust(other, -0.2)
	after := l.BaseTrust(other)

	const tolerance = 1e-6
	diff := after - before
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("expected base trust to return to %f, got %f", before, after)
	}
}

func TestClassificationThresholds(t *testing.T) {
	self := identity.RandomPeerId()
	trusted := identity.RandomPeerId()
	distrusted := identity.RandomPeerId()
	l := NewLedger(self)

	l.ChangeTrust(trusted, TrustedLevel-DefaultTrust)
	if !l.IsTrusted(trusted) {
		t.Errorf("expected peer at %f to be trusted", TrustedLevel)
	}

	l.ChangeTrust(distrusted, DistrustedLevel-DefaultTrust)
	if !l.IsDistrusted(distrusted) {
		t.Errorf("expected peer at %f to be distrusted", DistrustedLevel)
	}
}

func TestOffsetWeightsByReporterTrust(t *testing.T) {
	self := identity.RandomPeerId()
	reporter := identity.RandomPeerId()
	subject := identity.RandomPeerId()
	l := NewLedger(self)

	// Reporter fully trusted (base 1.0), asserts subject is fully trusted (level 1.0).
	l.ChangeTrust(reporter, 1.0-DefaultTrust)
	l.AdjustOffset(reporter, subject, 1.0)

	got := l.EffectiveTrust(subject)
	want := DefaultTrust + 1.0*(1.0-0.5)
	const tolerance = 1e-6
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("expected effective trust %f, got %f", want, got)
	}
}

func TestDeltaConversionSaturates(t *testing.T) {
	if got := LevelToDelta(10.0); got != 32767 {
		t.Errorf("expected saturation to max int16, got %d", got)
	}
	if got := LevelToDelta(-10.0); got != -32768 {
		t.Errorf("expected saturation to min int16, got %d", got)
	}
	if got := DeltaToLevel(5000); got != 0.5 {
		t.Errorf("expected 5000 ten-thousandths to be 0.5, got %f", got)
	}
}
