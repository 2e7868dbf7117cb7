package element

import "testing"

func TestParseImposedMatchesValid(t *testing.T) {
	pairs, err := ParseImposedMatches("0+10=0+10,10+5=20+5", 100, 100)
	if err != nil {
		t.Fatalf("ParseImposedMatches: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("len(pairs) = %d, want 2", len(pairs))
	}
	if pairs[1].NewOffset != 20 || pairs[1].NewSize != 5 {
		t.Fatalf("pairs[1] = %+v", pairs[1])
	}
}

func TestParseImposedMatchesTrailingNewline(t *testing.T) {
	pairs, err := ParseImposedMatches("0+10=0+10\n", 100, 100)
	if err != nil {
		t.Fatalf("ParseImposedMatches: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("len(pairs) = %d, want 1", len(pairs))
	}
}

func TestParseImposedMatchesSyntaxError(t *testing.T) {
	cases := []string{"bad", "0=0+10", "0+10", "0+10=0-10", "0+10=0+10="}
	for _, c := range cases {
		if _, err := ParseImposedMatches(c, 100, 100); err != ErrImposedSyntax {
			t.Fatalf("ParseImposedMatches(%q) = %v, want ErrImposedSyntax", c, err)
		}
	}
}

func TestParseImposedMatchesBoundsError(t *testing.T) {
	if _, err := ParseImposedMatches("0+10=0+10", 5, 100); err != ErrImposedBounds {
		t.Fatalf("ParseImposedMatches old-out-of-bounds = %v, want ErrImposedBounds", err)
	}
	if _, err := ParseImposedMatches("0+10=95+10", 100, 100); err != ErrImposedBounds {
		t.Fatalf("ParseImposedMatches new-out-of-bounds = %v, want ErrImposedBounds", err)
	}
}

func TestParseImposedMatchesOverlapError(t *testing.T) {
	if _, err := ParseImposedMatches("0+10=0+10,5+10=5+10", 100, 100); err != ErrImposedOverlap {
		t.Fatalf("ParseImposedMatches overlap = %v, want ErrImposedOverlap", err)
	}
}

func TestParseImposedMatchesEmptyError(t *testing.T) {
	cases := []string{"0+0=0+0", "0+0=0+10", "0+10=0+0"}
	for _, c := range cases {
		if _, err := ParseImposedMatches(c, 100, 100); err != ErrImposedEmpty {
			t.Fatalf("ParseImposedMatches(%q) = %v, want ErrImposedEmpty", c, err)
		}
	}
}

func TestVerifyTypesMismatch(t *testing.T) {
	pairs := []ImposedPair{{OldOffset: 0, OldSize: 10, NewOffset: 0, NewSize: 10}}
	oldElements := []Element{{Offset: 0, Size: 10, Type: TypeWin32X86}}
	newElements := []Element{{Offset: 0, Size: 10, Type: TypeELFX86}}
	if err := VerifyTypes(pairs, oldElements, newElements); err != ErrImposedTypeMismatch {
		t.Fatalf("VerifyTypes = %v, want ErrImposedTypeMismatch", err)
	}
}
