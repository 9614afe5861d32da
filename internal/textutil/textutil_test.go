package textutil

import "testing"

func TestFold(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Gran  Formato", "gran formato"},
		{"Rígidos", "rigidos"},
		{"  TEXTIL ", "textil"},
		{"Diseño", "diseno"},
	}
	for _, tt := range tests {
		if got := Fold(tt.in); got != tt.want {
			t.Errorf("Fold(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKey(t *testing.T) {
	if got := Key("Anchos disponibles"); got != "anchos_disponibles" {
		t.Errorf("Key = %q", got)
	}
}

func TestWords(t *testing.T) {
	if got := WordCount("  quiero una\tbandera\n"); got != 3 {
		t.Errorf("WordCount = %d, want 3", got)
	}
	if got := LastWords("a b c d", 2); got != "c d" {
		t.Errorf("LastWords = %q", got)
	}
	if got := LastWords("a b", 5); got != "a b" {
		t.Errorf("LastWords = %q", got)
	}
	if got := LastWords("a b", 0); got != "" {
		t.Errorf("LastWords(0) = %q", got)
	}
}
