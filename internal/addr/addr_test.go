package addr

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEpochFormula(t *testing.T) {
	// period=32, preactive=8: epoch boundary shifts 8s earlier than a plain
	// floor(now/period) would, per spec.md §3.
	require.EqualValues(t, 0, Epoch(0, 32, 8))
	require.EqualValues(t, 1, Epoch(24, 32, 8)) // 24+8=32 -> epoch 1
	require.EqualValues(t, 0, Epoch(23, 32, 8)) // 23+8=31 -> epoch 0
}

func TestWindowCoversPreactivePostactive(t *testing.T) {
	start, end := Window(1, 32, 8, 8)
	require.EqualValues(t, 24, start) // 1*32-8
	require.EqualValues(t, 72, end)   // 2*32+8
	require.Equal(t, Lifetime(32, 8, 8), int(end-start))
}

func TestDerivePreservesPrefixAndIsDeterministic(t *testing.T) {
	base := netip.MustParseAddr("2001:db8::1")
	a1 := Derive(base, "host.example.org", "s3cr3t", 42)
	a2 := Derive(base, "host.example.org", "s3cr3t", 42)
	require.Equal(t, a1, a2, "derivation must be a pure function of its inputs")

	raw := a1.As16()
	baseRaw := base.As16()
	require.Equal(t, baseRaw[:8], raw[:8], "top /64 prefix must be preserved")
}

func TestDeriveChangesWithEpoch(t *testing.T) {
	base := netip.MustParseAddr("2001:db8::1")
	a1 := Derive(base, "host.example.org", "s3cr3t", 1)
	a2 := Derive(base, "host.example.org", "s3cr3t", 2)
	require.NotEqual(t, a1, a2)
}

func TestDeriveChangesWithSecret(t *testing.T) {
	base := netip.MustParseAddr("2001:db8::1")
	a1 := Derive(base, "host.example.org", "secretA", 7)
	a2 := Derive(base, "host.example.org", "secretB", 7)
	require.NotEqual(t, a1, a2)
}
