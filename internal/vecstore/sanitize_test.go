package vecstore

import (
	"strings"
	"testing"
)

func TestSanitizeCollectionName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"passthrough", "my-collection_01", "my-collection_01"},
		{"spaces dropped", "my collection", "mycollection"},
		{"separator runs collapse", "a -- _ b", "a-b"},
		{"trimmed ends", "--docs--", "docs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeCollectionName(tt.in); got != tt.want {
				t.Errorf("SanitizeCollectionName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeCollectionNameShortGetsSuffix(t *testing.T) {
	got := SanitizeCollectionName("ab")
	if !strings.HasPrefix(got, "ab-") {
		t.Fatalf("short name should keep its prefix, got %q", got)
	}
	if len(got) < 3 {
		t.Fatalf("sanitized name too short: %q", got)
	}
	// Deterministic: same input, same suffix.
	if again := SanitizeCollectionName("ab"); again != got {
		t.Errorf("sanitization not deterministic: %q vs %q", got, again)
	}
}

func TestSanitizeCollectionNameAllInvalid(t *testing.T) {
	got := SanitizeCollectionName("日本語")
	if !strings.HasPrefix(got, "col-") {
		t.Fatalf("fully invalid name should get the col- fallback, got %q", got)
	}
	other := SanitizeCollectionName("中文名")
	if other == got {
		t.Errorf("distinct inputs should not collide: %q", got)
	}
}

func TestSanitizeCollectionNameLength(t *testing.T) {
	got := SanitizeCollectionName(strings.Repeat("a", 200))
	if len(got) > 63 {
		t.Errorf("sanitized name exceeds 63 chars: %d", len(got))
	}
}

func TestSanitizeFolderName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"reports", "reports"},
		{`a/b\c:d`, "a_b_c_d"},
		{"trailing. ", "trailing"},
		{"q?u*o<t>e|s", "q_u_o_t_e_s"},
	}
	for _, tt := range tests {
		if got := SanitizeFolderName(tt.in); got != tt.want {
			t.Errorf("SanitizeFolderName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeFolderNameEmpty(t *testing.T) {
	got := SanitizeFolderName("")
	if !strings.HasPrefix(got, "collection_") {
		t.Errorf("empty folder name should get the collection_ fallback, got %q", got)
	}
}

func TestSanitizeFolderNameLength(t *testing.T) {
	got := SanitizeFolderName(strings.Repeat("x", 300))
	if len(got) > 100 {
		t.Errorf("folder name exceeds 100 chars: %d", len(got))
	}
}
