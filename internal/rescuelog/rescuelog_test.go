package rescuelog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseIgnoresCommentsAndBlankLines(t *testing.T) {
	input := "# ddrescue map\n\n0x00000000 0x00000100 +\n0x00000100 0x00000100 -\n"
	regions, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(regions) != 2 {
		t.Fatalf("len(regions) = %d, want 2", len(regions))
	}
	if !regions[0].Good || regions[1].Good {
		t.Fatalf("unexpected good flags: %+v", regions)
	}
}

func TestParseRejectsGap(t *testing.T) {
	input := "0x00000000 0x00000100 +\n0x00000200 0x00000100 -\n"
	if _, err := Parse(strings.NewReader(input)); err == nil {
		t.Fatal("expected a contiguity error")
	}
}

func TestParseRejectsMalformedLine(t *testing.T) {
	input := "0x00000000 0x00000100\n"
	if _, err := Parse(strings.NewReader(input)); err == nil {
		t.Fatal("expected an error for a line missing the status field")
	}
}

func TestParseTreatsAnyNonPlusAsBad(t *testing.T) {
	input := "0x00000000 0x00000100 *\n"
	regions, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if regions[0].Good {
		t.Fatal("expected '*' to be treated as bad")
	}
}

func TestParseFileBuildsDamageMap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img.map")
	content := "0x00000000 0x00000200 +\n0x00000200 0x00000100 -\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	dm, err := ParseFile(path, 0x300)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if got, want := dm.TotalBadByteCount(), uint64(0x100); got != want {
		t.Fatalf("TotalBadByteCount() = %d, want %d", got, want)
	}
}
