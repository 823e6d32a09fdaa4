package version

import "testing"

func TestParseAndNumOrdering(t *testing.T) {
	cases := []struct {
		a, b string
	}{
		{"v1.0.0", "v1.0.1"},
		{"v1.0.0", "v1.1.0"},
		{"v1.0.0", "v2.0.0"},
		{"v1.0.0a1", "v1.0.0"},   // alpha < release
		{"v1.0.0b1", "v1.0.0"},   // beta < release
		{"v1.0.0~1", "v1.0.0"},   // beta (tilde) < release
		{"v1.0.0d1", "v1.0.0a1"}, // develop < alpha
		{"v1.0.0a1", "v1.0.0b1"}, // alpha < beta
		{"v1.0.0a1", "v1.0.0a2"}, // lower prerelease number is older
	}
	for _, c := range cases {
		va, vb := Parse(c.a), Parse(c.b)
		if !va.Less(vb) {
			t.Errorf("expected %s < %s, got Num(%s)=%d Num(%s)=%d", c.a, c.b, c.a, va.Num(), c.b, vb.Num())
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, s := range []string{"", "garbage", "1.0.0", "v", "v1.2.3.4", "vx.y.z"} {
		if got := Parse(s).Num(); got != 0 {
			t.Errorf("Parse(%q).Num() = %d, want 0", s, got)
		}
	}
}

func TestEmpty(t *testing.T) {
	if !Parse("").Empty() {
		t.Error("expected empty version to report Empty()")
	}
	if Parse("v1.0.0").Empty() {
		t.Error("did not expect a parsed version to report Empty()")
	}
}

func TestRoundTripIdempotence(t *testing.T) {
	for _, s := range []string{"v1.2.3", "v1.2.3a4", "v1.2.3b4", "v0.0.1d0", "v9999.9999.9999"} {
		v := Parse(s)
		reparsed := Parse(v.String())
		if v.Num() != reparsed.Num() {
			t.Errorf("round-trip failed for %s: Num=%d, Parse(String()).Num=%d", s, v.Num(), reparsed.Num())
		}
	}
}

func TestFirmwareWindowBoundaries(t *testing.T) {
	first := Parse("v2.71.0")
	obsolete := Parse("v9999.9999.9999")
	atFirst := Parse("v2.71.0")
	atObsolete := Parse("v9999.9999.9999")
	if atFirst.Num() < first.Num() {
		t.Error("firmware exactly at firstCompatibleVersion must be compatible")
	}
	if atObsolete.Num() < obsolete.Num() {
		t.Error("firmware exactly at obsoleteVersion must compare equal, caller treats >= obsolete as incompatible")
	}
}
