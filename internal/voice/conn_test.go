package voice

import (
	"testing"
	"time"
)

func TestQualityLossCounting(t *testing.T) {
	c := &Conn{}
	base := time.Now()

	c.UpdateQuality(100, 0, base)
	c.UpdateQuality(101, 160, base.Add(20*time.Millisecond))
	if q := c.QualitySnapshot(); q.Lost != 0 {
		t.Fatalf("consecutive sequences must count no loss, got %d", q.Lost)
	}

	// 102 and 103 never arrive.
	c.UpdateQuality(104, 640, base.Add(80*time.Millisecond))
	if q := c.QualitySnapshot(); q.Lost != 2 {
		t.Fatalf("gap of 3 must count 2 lost, got %d", q.Lost)
	}

	// A late reordered packet must not inflate the counter.
	c.UpdateQuality(103, 480, base.Add(81*time.Millisecond))
	if q := c.QualitySnapshot(); q.Lost != 2 {
		t.Fatalf("reordered packet must not count loss, got %d", q.Lost)
	}
}

func TestQualityLossAcrossWrap(t *testing.T) {
	c := &Conn{}
	base := time.Now()

	c.UpdateQuality(65534, 0, base)
	c.UpdateQuality(1, 480, base.Add(60*time.Millisecond))

	// 65535 and 0 were skipped across the uint16 wrap.
	if q := c.QualitySnapshot(); q.Lost != 2 {
		t.Fatalf("wrap gap must count 2 lost, got %d", q.Lost)
	}
}

func TestQualityJitterGrowsWithVariance(t *testing.T) {
	steady := &Conn{}
	jittery := &Conn{}
	base := time.Now()

	// 8 kHz clock: 160 timestamp units per 20ms packet.
	for i := 0; i < 50; i++ {
		ts := uint32(i * 160)
		at := base.Add(time.Duration(i) * 20 * time.Millisecond)
		steady.UpdateQuality(uint16(i), ts, at)

		// Alternate early and late arrivals.
		skew := time.Duration(i%2) * 10 * time.Millisecond
		jittery.UpdateQuality(uint16(i), ts, at.Add(skew))
	}

	s := steady.QualitySnapshot().Jitter
	j := jittery.QualitySnapshot().Jitter
	if j <= s {
		t.Fatalf("variable arrival must estimate higher jitter: steady=%f jittery=%f", s, j)
	}
}

func TestCounters(t *testing.T) {
	c := &Conn{}
	c.CountPacket(100)
	c.CountPacket(52)

	packets, bytes := c.Counters()
	if packets != 2 || bytes != 152 {
		t.Fatalf("counters mismatch: packets=%d bytes=%d", packets, bytes)
	}
}
