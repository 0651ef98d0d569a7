package session

import (
	"testing"
	"time"
)

func TestInboundLimiter_DisabledWhenNoLimits(t *testing.T) {
	if lim := newInboundAudioLimiter(nil, 0, 0, 1); lim != nil {
		t.Fatalf("expected nil limiter")
	}
	var lim *inboundAudioLimiter
	if !lim.Allow(1 << 20) {
		t.Fatalf("nil limiter must allow")
	}
}

func TestInboundLimiter_FrameBurstThenDeny(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := newInboundAudioLimiter(clock, 1, 0, 2)
	if !lim.Allow(4096) || !lim.Allow(4096) {
		t.Fatalf("expected two frames within burst")
	}
	if lim.Allow(4096) {
		t.Fatalf("expected third frame denied")
	}
}

func TestInboundLimiter_Refill(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := newInboundAudioLimiter(clock, 10, 0, 1)
	for i := 0; i < 10; i++ {
		if !lim.Allow(1) {
			t.Fatalf("expected allow at i=%d", i)
		}
	}
	if lim.Allow(1) {
		t.Fatalf("expected deny once tokens exhausted")
	}

	now = now.Add(100 * time.Millisecond)
	if !lim.Allow(1) {
		t.Fatalf("expected allow after refill")
	}
	if lim.Allow(1) {
		t.Fatalf("expected deny again without enough time")
	}

	now = now.Add(time.Hour)
	for i := 0; i < 10; i++ {
		if !lim.Allow(1) {
			t.Fatalf("expected full burst after long idle, i=%d", i)
		}
	}
	if lim.Allow(1) {
		t.Fatalf("refill must cap at burst")
	}
}

func TestInboundLimiter_BytesPerSecond(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := newInboundAudioLimiter(clock, 0, 48000, 1)
	if !lim.Allow(40000) {
		t.Fatalf("expected allow 40000 bytes")
	}
	if lim.Allow(9000) {
		t.Fatalf("expected deny past byte budget")
	}
	now = now.Add(250 * time.Millisecond)
	if !lim.Allow(9000) {
		t.Fatalf("expected allow after byte refill")
	}
}
