package ui

import "testing"

func TestShortID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"a", "a"},
		{"abcdefgh", "abcdefgh"},
		{"abcdefghi", "abcdefgh"},
		{"a1b2c3d4e5f6g7h8i9", "a1b2c3d4"},
		{"8f14e45f-ceea-467f-a9a7-000000000001", "8f14e45f"},
		{"very-long-download-id-that-should-be-truncated", "very-lon"},
	}

	for _, test := range tests {
		result := ShortID(test.input)
		if result != test.expected {
			t.Errorf("ShortID(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

func TestShortID_UTF8(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"αβγδεζηθ", "αβγδεζηθ"},
		{"αβγδεζηθι", "αβγδεζηθ"},
		{"日本語文字列", "日本語文字列"},
		{"🎵🎶🎵🎶🎵🎶🎵🎶🎵", "🎵🎶🎵🎶🎵🎶🎵🎶"},
	}

	for _, test := range tests {
		result := ShortID(test.input)
		if result != test.expected {
			t.Errorf("ShortID(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

func TestTruncateWithEllipsis(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"https://cdn.example/a/very/long/path", 12, "https://cdn.…"},
		{"日本語文字列", 3, "日本語…"},
		{"anything", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncateWithEllipsis(tt.in, tt.max); got != tt.want {
			t.Errorf("TruncateWithEllipsis(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
