package domain

import "testing"

func TestPowerBitValue(t *testing.T) {
	tests := []struct {
		subid int
		want  uint32
	}{
		{1, 1},
		{2, 2},
		{5, 16},
		{32, 1 << 31},
		{0, 0},
		{33, 0},
	}
	for _, tc := range tests {
		p := Power{Subid: tc.subid}
		if got := p.BitValue(); got != tc.want {
			t.Fatalf("subid %d bit value = %d, want %d", tc.subid, got, tc.want)
		}
	}
}

func TestCapabilityVectorGrantIsIdempotent(t *testing.T) {
	v := CapabilityVector{}
	v.Grant("p0", 4)
	v.Grant("p0", 4)
	v.Grant("p0", 1)

	if v["p0"] != 5 {
		t.Fatalf("p0 mask = %d, want 5", v["p0"])
	}
	if !v.Has("p0", 4) || !v.Has("p0", 1) {
		t.Fatal("expected granted bits set")
	}
	if v.Has("p0", 2) {
		t.Fatal("ungranted bit should be clear")
	}
	if v.Has("p1", 4) {
		t.Fatal("missing section should be empty")
	}
}

func TestCapabilityVectorHasPower(t *testing.T) {
	p := Power{ID: 7, Section: "p1", Subid: 3}
	v := CapabilityVector{"p1": p.BitValue()}
	if !v.HasPower(p) {
		t.Fatal("expected power covered by vector")
	}
	if v.HasPower(Power{ID: 8, Section: "p1", Subid: 4}) {
		t.Fatal("unexpected power coverage")
	}
}

func TestCapabilityVectorClone(t *testing.T) {
	v := CapabilityVector{"p0": 3}
	clone := v.Clone()
	clone.Grant("p0", 4)
	if v["p0"] != 3 {
		t.Fatalf("original mutated, p0 = %d", v["p0"])
	}
	if clone["p0"] != 7 {
		t.Fatalf("clone p0 = %d, want 7", clone["p0"])
	}
}
