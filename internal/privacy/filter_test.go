package privacy

import "testing"

func TestStripPrivateTags(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "no private tags",
			input:    "hello world",
			expected: "hello world",
		},
		{
			name:     "single private tag",
			input:    "public <private>secret</private> visible",
			expected: "public  visible",
		},
		{
			name:     "multiple private tags",
			input:    "a <private>x</private> b <private>y</private> c",
			expected: "a  b  c",
		},
		{
			name:     "multiline private content",
			input:    "before <private>\nsecret line 1\nsecret line 2\n</private> after",
			expected: "before  after",
		},
		{
			name:     "nested-looking tags stop at first close",
			input:    "<private>outer <private>inner</private> still</private> visible",
			expected: "still</private> visible",
		},
		{
			name:     "case insensitive",
			input:    "keep <PRIVATE>drop</Private> this",
			expected: "keep  this",
		},
		{
			name:     "private tag at start",
			input:    "<private>secret</private> visible",
			expected: "visible",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StripPrivateTags(tt.input)
			if got != tt.expected {
				t.Errorf("StripPrivateTags(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestHasOnlyPrivateContent(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"entirely private", "<private>all secret</private>", true},
		{"entirely private with whitespace", "  <private>all secret</private>  ", true},
		{"multiple private blocks only", "<private>a</private> <private>b</private>", true},
		{"has public content", "public <private>secret</private>", false},
		{"no private tags at all", "completely public", false},
		// Blank input is a validation problem, not a privacy one.
		{"empty string", "", false},
		{"whitespace only", "   ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HasOnlyPrivateContent(tt.input)
			if got != tt.expected {
				t.Errorf("HasOnlyPrivateContent(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestClean(t *testing.T) {
	got, ok := Clean("  untouched  ")
	if got != "  untouched  " || !ok {
		t.Errorf("Clean left content = %q, %v", got, ok)
	}

	got, ok = Clean("token: <private>abc123</private>")
	if got != "token:" || !ok {
		t.Errorf("Clean stripped content = %q, %v", got, ok)
	}

	if _, ok := Clean("<private>only</private>"); ok {
		t.Error("Clean of private-only content reported usable text")
	}
}
