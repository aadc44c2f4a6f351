package topicmatch

import "testing"

func TestMatchesBoundary(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"a/**/x", "a/b/x", true},
		{"a/**/x", "a/b/c/x", true},
		{"a/**/x", "a/x", false}, // ** requires at least one segment
		{"a/*/x", "a/b/x", true},
		{"a/*/x", "a/b/c/x", false},
		{"a/*/x", "a/x", false},
		{"bubbaloop/local/*/rtsp-camera/**", "bubbaloop/local/m1/rtsp-camera/frame", true},
		{"bubbaloop/local/m1/rtsp-camera/frame", "bubbaloop/local/m1/rtsp-camera/frame", true},
		{"bubbaloop/local/m1/rtsp-camera/frame", "bubbaloop/local/m1/rtsp-camera/other", false},
	}

	for _, tc := range cases {
		if got := Matches(tc.pattern, tc.topic); got != tc.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}

func TestBestPatternPrecedence(t *testing.T) {
	// Spec §8 scenario F.
	candidates := []Candidate[string]{
		{Pattern: "bubbaloop/local/*/rtsp-camera/**", Value: "bubbaloop.camera.v1.Frame"},
		{Pattern: "bubbaloop/local/m1/rtsp-camera/frame", Value: "bubbaloop.camera.v1.KeyFrame"},
	}

	value, pattern, ok := Best("bubbaloop/local/m1/rtsp-camera/frame", candidates)
	if !ok {
		t.Fatalf("expected a match")
	}
	if value != "bubbaloop.camera.v1.KeyFrame" {
		t.Errorf("got %q, want KeyFrame (more literal segments)", value)
	}
	if pattern != "bubbaloop/local/m1/rtsp-camera/frame" {
		t.Errorf("got pattern %q", pattern)
	}
}

func TestBestTieBreaksOnLongerPattern(t *testing.T) {
	// Both patterns have 2 literal segments ("a", "c") and both match
	// "a/b/c": tie broken by the longer pattern string.
	candidates := []Candidate[int]{
		{Pattern: "a/*/c", Value: 1},
		{Pattern: "a/**/c", Value: 2},
	}

	value, pattern, ok := Best("a/b/c", candidates)
	if !ok {
		t.Fatalf("expected a match")
	}
	if pattern != "a/**/c" || value != 2 {
		t.Errorf("got value=%d pattern=%q, want the longer pattern a/**/c", value, pattern)
	}
}

func TestBestNoMatch(t *testing.T) {
	_, _, ok := Best("x/y/z", []Candidate[string]{{Pattern: "a/b/c", Value: "nope"}})
	if ok {
		t.Fatalf("expected no match")
	}
}
