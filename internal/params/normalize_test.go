package params

import "testing"

func TestNormalizeForSearch(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Ünïcode", "unicode"},
		{"SMITH", "smith"},
		{"José Álvarez", "jose alvarez"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeForSearch(tt.in); got != tt.want {
			t.Errorf("NormalizeForSearch(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
