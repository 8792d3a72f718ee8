package damagemap

import "testing"

func TestNewRejectsGap(t *testing.T) {
	_, err := New([]Region{{Position: 0, Size: 10, Good: true}, {Position: 20, Size: 10, Good: false}}, 30)
	if err == nil {
		t.Fatal("expected an error for a gap between regions")
	}
}

func TestNewRejectsShortCoverage(t *testing.T) {
	_, err := New([]Region{{Position: 0, Size: 10, Good: true}}, 20)
	if err == nil {
		t.Fatal("expected an error when regions do not cover imageSize")
	}
}

func TestAllGoodRange(t *testing.T) {
	m, err := New([]Region{
		{Position: 0, Size: 100, Good: true},
		{Position: 100, Size: 50, Good: false},
		{Position: 150, Size: 50, Good: true},
	}, 200)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !m.AllGoodRange(0, 100) {
		t.Fatal("expected [0,100) to be all good")
	}
	if m.AllGoodRange(50, 150) {
		t.Fatal("expected [50,150) to include the bad region")
	}
	if !m.AllGoodRange(200, 200) {
		t.Fatal("expected an empty range to be vacuously good")
	}
}

func TestCountReadableBytes(t *testing.T) {
	m, err := New([]Region{
		{Position: 0, Size: 100, Good: true},
		{Position: 100, Size: 50, Good: false},
		{Position: 150, Size: 50, Good: true},
	}, 200)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got, want := m.CountReadableBytes(0, 200), uint64(150); got != want {
		t.Fatalf("CountReadableBytes(0,200) = %d, want %d", got, want)
	}
	if got, want := m.CountReadableBytes(90, 160), uint64(20); got != want {
		t.Fatalf("CountReadableBytes(90,160) = %d, want %d", got, want)
	}
}

func TestTotalBadByteCount(t *testing.T) {
	m, err := New([]Region{
		{Position: 0, Size: 100, Good: true},
		{Position: 100, Size: 50, Good: false},
	}, 150)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, want := m.TotalBadByteCount(), uint64(50); got != want {
		t.Fatalf("TotalBadByteCount() = %d, want %d", got, want)
	}
}

func TestLocateOutOfRange(t *testing.T) {
	m := AllGood(100)
	if _, err := m.Locate(100); err == nil {
		t.Fatal("expected OutOfRangeError at pos==imageSize")
	}
	if _, err := m.Locate(99); err != nil {
		t.Fatalf("Locate(99): %v", err)
	}
}

func TestAllGoodSingleRegion(t *testing.T) {
	m := AllGood(4096)
	if len(m.Regions()) != 1 || !m.Regions()[0].Good {
		t.Fatalf("AllGood should produce one good region, got %+v", m.Regions())
	}
	if got, want := m.CountReadableBytes(0, 4096), uint64(4096); got != want {
		t.Fatalf("CountReadableBytes = %d, want %d", got, want)
	}
}
