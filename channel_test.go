package gobayeux

import (
	"reflect"
	"testing"
)

func TestType(t *testing.T) {
	tests := []struct {
		name  string
		input Channel
		want  ChannelType
	}{
		{"valid meta channel", "/meta/connect", MetaChannel},
		{"invalid meta channel", "meta/connect", BroadcastChannel},
		{"valid service channel", "/service/chat", ServiceChannel},
		{"broadcast channel", "/foo/bar", BroadcastChannel},
	}

	for _, testCase := range tests {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			got := tc.input.Type()
			if tc.want != got {
				t.Errorf("unexpected channel type got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestHasWildcard(t *testing.T) {
	tests := []struct {
		name  string
		input Channel
		want  bool
	}{
		{"no wildcard", "/meta/connect", false},
		{"single wildcard", "/foo/*", true},
		{"double wildcard", "/foo/**", true},
		{"invalid wildcard", "/foo/**/biz", false},
		{"star inside a segment", "/foo/b*", false},
	}

	for _, testCase := range tests {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			got := tc.input.HasWildcard()
			if tc.want != got {
				t.Errorf("unexpected result checking for wildcard got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name  string
		input Channel
		want  bool
	}{
		{"meta channel", "/meta/connect", true},
		{"broadcast channel", "/foo/bar", true},
		{"trailing wildcard", "/foo/*", true},
		{"trailing double wildcard", "/foo/**", true},
		{"root double wildcard", "/**", true},
		{"missing leading slash", "foo/bar", false},
		{"empty segment", "/foo//bar", false},
		{"wildcard not last", "/foo/*/bar", false},
		{"triple wildcard", "/foo/***", false},
		{"empty", "", false},
		{"only slash", "/", false},
	}

	for _, testCase := range tests {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.input.IsValid(); got != tc.want {
				t.Errorf("IsValid(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		pattern Channel
		input   Channel
		want    bool
	}{
		{"exact", "/foo/bar", "/foo/bar", true},
		{"exact mismatch", "/foo/bar", "/foo/baz", false},
		{"single wildcard one level", "/foo/*", "/foo/bar", true},
		{"single wildcard two levels", "/foo/*", "/foo/bar/baz", false},
		{"double wildcard two levels", "/foo/**", "/foo/bar/baz", true},
		{"wildcard sibling prefix", "/foo/*", "/foobar/baz", false},
		{"wildcard on parent itself", "/foo/*", "/foo/", false},
		{"global wildcard", "/**", "/a/b/c", true},
	}

	for _, testCase := range tests {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.pattern.Match(tc.input); got != tc.want {
				t.Errorf("%q.Match(%q) = %v, want %v", tc.pattern, tc.input, got, tc.want)
			}
		})
	}
}

func TestWildcards(t *testing.T) {
	tests := []struct {
		name  string
		input Channel
		want  []Channel
	}{
		{"three segments", "/a/b/c", []Channel{"/a/b/*", "/a/b/**", "/a/**", "/**"}},
		{"one segment", "/a", []Channel{"/*", "/**"}},
		{"empty", "", nil},
	}

	for _, testCase := range tests {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			got := tc.input.Wildcards()
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Wildcards(%q) = %v, want %v", tc.input, got, tc.want)
			}
			for _, w := range got {
				if !w.Match(tc.input) {
					t.Errorf("expected %q to match %q", w, tc.input)
				}
			}
		})
	}
}
