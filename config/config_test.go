package config

import "testing"

const minimalValid = `{"fast_root":"/fast","slow_roots":["/slow"],"fast_limit_bytes":1073741824}`

func TestParseDefaults(t *testing.T) {
	s, err := Parse([]byte(minimalValid))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.MaxPerMinute() != 30 {
		t.Errorf("default max_per_minute = %d, want 30", s.MaxPerMinute())
	}
	if s.MaxConcurrentRelocations() != 4 {
		t.Errorf("default max_concurrent_relocations = %d, want 4", s.MaxConcurrentRelocations())
	}
	if s.Retention().OnDeckHours != 72 {
		t.Errorf("default retention.ondeck_hours = %d, want 72", s.Retention().OnDeckHours)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{"fast_root":"/fast","slow_roots":["/slow"],"fast_limit_bytes":1,"bogus_field":1}`))
	if err == nil {
		t.Fatal("expected an error for an unknown field, got nil")
	}
}

func TestParseRejectsMissingFastRoot(t *testing.T) {
	_, err := Parse([]byte(`{"slow_roots":["/slow"],"fast_limit_bytes":1}`))
	if err == nil {
		t.Fatal("expected an error for missing fast_root, got nil")
	}
}

func TestParseValidatesMinGapBounds(t *testing.T) {
	cases := []struct {
		minGap  int
		wantErr bool
	}{
		{99, true},
		{100, false},
		{10000, false},
		{10001, true},
	}
	for _, c := range cases {
		doc := `{"fast_root":"/fast","slow_roots":["/slow"],"fast_limit_bytes":1,"min_gap_ms":` + itoa(c.minGap) + `}`
		_, err := Parse([]byte(doc))
		if (err != nil) != c.wantErr {
			t.Errorf("min_gap_ms=%d: err=%v, wantErr=%v", c.minGap, err, c.wantErr)
		}
	}
}

func TestActivityWindowsForKind(t *testing.T) {
	aw := ActivityWindows{OwnerDays: 0, HouseholdDays: 30, GuestDays: 7}
	if aw.ForKind(KindOwner) != 0 {
		t.Errorf("owner activity window should be unlimited (0)")
	}
	if aw.ForKind(KindGuest) != 7 {
		t.Errorf("guest activity window = %d, want 7", aw.ForKind(KindGuest))
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
