package gateway

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"github", "github"},
		{"my-server_2", "my-server_2"},
		{"weird name!", "weird_name"},
		{"a..b..c", "a_b_c"},
		{"___x___", "x"},
		{"$$$", ""},
		{"", ""},
		{"héllo wörld", "h_llo_w_rld"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeName(tt.in), "input %q", tt.in)
	}
}

func TestSanitizeNameLength(t *testing.T) {
	long := strings.Repeat("a", 300)
	got := SanitizeName(long)
	assert.Len(t, got, 128)
}

func TestMangleSplitRoundTrip(t *testing.T) {
	tests := []struct {
		upstream string
		item     string
	}{
		{"github", "search_code"},
		{"my server", "get file"},
		{"a-b", "c-d"},
	}
	for _, tt := range tests {
		name, ok := Mangle(tt.upstream, tt.item)
		require.True(t, ok)

		up, item, ok := Split(name)
		require.True(t, ok, "split of %q", name)
		assert.Equal(t, SanitizeName(tt.upstream), up)
		assert.Equal(t, SanitizeName(tt.item), item)
	}
}

func TestMangleRejectsUnrepresentableNames(t *testing.T) {
	_, ok := Mangle("$$$", "tool")
	assert.False(t, ok)
	_, ok = Mangle("up", "   ")
	assert.False(t, ok)
}

func TestSplitRejectsMalformedNames(t *testing.T) {
	for _, name := range []string{"plain", "__leading", "trailing__", ""} {
		_, _, ok := Split(name)
		assert.False(t, ok, "name %q", name)
	}

	// The cut happens at the first separator, so item names containing
	// "__" still route.
	up, item, ok := Split("a__b__c")
	require.True(t, ok)
	assert.Equal(t, "a", up)
	assert.Equal(t, "b__c", item)
}
