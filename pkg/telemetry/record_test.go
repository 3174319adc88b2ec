package telemetry

import "testing"

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/a//b/":  "/a/b",
		"a/b":     "/a/b",
		"/a/b":    "/a/b",
		"":        "/",
		"/":       "/",
		"///":     "/",
		"/a/b///": "/a/b",
	}
	for in, want := range cases {
		got := NormalizePath(in)
		if got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizePathIdempotent(t *testing.T) {
	inputs := []string{"/a//b/", "a/b/c//", "/", "", "/x/y/z"}
	for _, in := range inputs {
		once := NormalizePath(in)
		twice := NormalizePath(once)
		if once != twice {
			t.Errorf("NormalizePath not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestKeyOfUppercasesMethod(t *testing.T) {
	k := KeyOf(Record{Path: "/api/users", Method: "get"})
	if k.Method != "GET" {
		t.Errorf("expected uppercased method, got %q", k.Method)
	}
}

func TestRecordValid(t *testing.T) {
	ok := Record{RequestID: "r1", Path: "/x", Method: "GET"}
	if !ok.Valid() {
		t.Error("expected valid record to pass Valid()")
	}
	missing := Record{Path: "/x", Method: "GET"}
	if missing.Valid() {
		t.Error("expected record without requestId to fail Valid()")
	}
}
