package errs

import (
	"fmt"
	"strings"
	"testing"
)

func TestIsMatchesCode(t *testing.T) {
	err := NotFoundf("get", "/a/b", fmt.Errorf("no such hash"))
	if !Is(err, NotFound) {
		t.Error("expected Is to match NotFound")
	}
	if Is(err, Corrupted) {
		t.Error("expected Is to not match Corrupted")
	}
}

func TestErrorMessageIncludesPath(t *testing.T) {
	err := IOf("put", "/repo/.hidden/versions/ab/cdef", fmt.Errorf("disk full"))
	got := err.Error()
	if !strings.Contains(got, "/repo/.hidden/versions/ab/cdef") {
		t.Errorf("expected error message to include the path, got %q", got)
	}
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := Corruptedf("map", "somehash", cause)
	if err.Unwrap() == nil {
		t.Error("expected Unwrap to return wrapped cause chain")
	}
}
