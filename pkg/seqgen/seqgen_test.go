package seqgen

import "testing"

func TestNextDisplayPerThreadIncreasing(t *testing.T) {
	g := NewGenerator()

	var lastSeq, lastNano int64
	for i := 0; i < 100; i++ {
		seq, nano := g.NextDisplay(1)
		if seq != lastSeq+1 {
			t.Fatalf("displaySeq 不连续: got %d, want %d", seq, lastSeq+1)
		}
		if nano <= lastNano {
			t.Fatalf("displayNano 未单调递增: %d <= %d", nano, lastNano)
		}
		lastSeq, lastNano = seq, nano
	}
}

func TestNextDisplayThreadsIndependent(t *testing.T) {
	g := NewGenerator()

	g.NextDisplay(1)
	g.NextDisplay(1)
	seq, _ := g.NextDisplay(2)

	if seq != 1 {
		t.Errorf("不同话题的displaySeq应独立计数, got %d, want 1", seq)
	}
}

func TestSeedRaisesWatermark(t *testing.T) {
	g := NewGenerator()

	g.Seed(7, 42)
	seq, _ := g.NextDisplay(7)
	if seq != 43 {
		t.Errorf("Seed后首个displaySeq = %d, want 43", seq)
	}

	// 低水位的Seed不回退
	g.Seed(7, 10)
	seq, _ = g.NextDisplay(7)
	if seq != 44 {
		t.Errorf("低水位Seed后displaySeq = %d, want 44", seq)
	}
}

func TestTempIDNegativeAndUnique(t *testing.T) {
	g := NewGenerator()

	seen := make(map[int64]bool)
	for i := 0; i < 200; i++ {
		id := g.TempID()
		if id >= 0 {
			t.Fatalf("临时ID应为负数, got %d", id)
		}
		if seen[id] {
			t.Fatalf("临时ID重复: %d", id)
		}
		seen[id] = true
	}
}
