package chainparams

import "testing"

func TestSchedule_ForkAt(t *testing.T) {
	s := Schedule{
		{ForkNone, 0},
		{ForkPurchase, 100},
		{ForkQPoS, 200},
	}

	tests := []struct {
		height uint64
		want   ForkOrdinal
	}{
		{0, ForkNone},
		{99, ForkNone},
		{100, ForkPurchase},
		{150, ForkPurchase},
		{200, ForkQPoS},
		{1_000_000, ForkQPoS},
	}
	for _, tt := range tests {
		if got := s.ForkAt(tt.height); got != tt.want {
			t.Errorf("ForkAt(%d) = %v, want %v", tt.height, got, tt.want)
		}
	}
}

func TestSchedule_IsActive(t *testing.T) {
	s := MainnetSchedule
	if s.IsActive(ForkQPoS, 0) {
		t.Error("ForkQPoS should not be active at height 0")
	}
	if !s.IsActive(ForkPurchase, 20_000) {
		t.Error("ForkPurchase should be active by height 20000")
	}
	if !s.IsActive(ForkImmalleable, 20_000) {
		t.Error("ForkImmalleable should be active at its own activation height")
	}
}
