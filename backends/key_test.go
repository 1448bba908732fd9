package backends

import "testing"

func TestKey(t *testing.T) {
	tests := []struct {
		prefix   string
		filename string
		expected string
	}{
		{"", "pkg-1.0.tar.gz", "pkg-1.0.tar.gz"},
		{"myprefix", "pkg-1.0.tar.gz", "myprefix/pkg-1.0.tar.gz"},
		{"nested/prefix", "pkg-1.0.tar.gz", "nested/prefix/pkg-1.0.tar.gz"},
		{"", "", ""},
		{"myprefix", "", "myprefix"},
	}

	for _, tt := range tests {
		result := Key(tt.prefix, tt.filename)
		if result != tt.expected {
			t.Errorf("Key(%q, %q) = %q, expected %q", tt.prefix, tt.filename, result, tt.expected)
		}
	}
}

func TestKeyDistinctFilenamesNeverCollide(t *testing.T) {
	a := Key("prefix", "pkg-1.0.tar.gz")
	b := Key("prefix", "pkg-1.1.tar.gz")
	if a == b {
		t.Errorf("expected distinct keys, got %q for both", a)
	}
}
