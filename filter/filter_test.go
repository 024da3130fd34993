package filter

import (
	"testing"
)

func meshHeaders(from, fileName string) map[string]string {
	return map[string]string{
		"Mex-From":     from,
		"Mex-To":       "X26OT188",
		"Mex-FileName": fileName,
	}
}

func TestFilter_Allows_IncludeMode(t *testing.T) {
	f, err := New(Options{IncludeHeader: []string{"Mex-From: X26OT181"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	body := []byte("payload")
	if !f.Allows(meshHeaders("X26OT181", "a.dat"), body) {
		t.Error("Expected message to be allowed (header matches)")
	}
	if f.Allows(meshHeaders("X26OT999", "a.dat"), body) {
		t.Error("Expected message to be filtered out (header doesn't match)")
	}

	hits := f.Hits()
	if hits["include Mex-From: X26OT181"] != 1 {
		t.Errorf("Hits() = %v, want one include hit", hits)
	}
}

func TestFilter_Allows_ExcludeMode(t *testing.T) {
	f, err := New(Options{ExcludeHeader: []string{`Mex-FileName: .*\.tmp`}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows(meshHeaders("X26OT181", "report.dat"), nil) {
		t.Error("Expected message to be allowed")
	}
	if f.Allows(meshHeaders("X26OT181", "partial.tmp"), nil) {
		t.Error("Expected message to be filtered out")
	}
	if got := f.Hits()[`exclude Mex-FileName: .*\.tmp`]; got != 1 {
		t.Errorf("exclude hits = %d, want 1", got)
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	_, err := New(Options{
		IncludeHeader: []string{"test"},
		ExcludeHeader: []string{"spam"},
	})
	if err == nil {
		t.Error("Expected error when both include and exclude are specified")
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	if _, err := New(Options{IncludeBody: []string{"("}}); err == nil {
		t.Error("Expected compile error")
	}
}

func TestFilter_NoFilters(t *testing.T) {
	f, err := New(Options{IncludeHeader: []string{"  "}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if f.Active() {
		t.Error("blank patterns must not activate the filter")
	}
	if !f.Allows(meshHeaders("a", "b"), []byte("Any body content")) {
		t.Error("Expected message to be allowed when no filters are active")
	}

	var nilFilter *Filter
	if !nilFilter.Allows(nil, nil) {
		t.Error("nil filter must allow everything")
	}
	if len(nilFilter.Hits()) != 0 {
		t.Error("nil filter must report no hits")
	}
}

func TestFilter_BodyFiltering(t *testing.T) {
	f, err := New(Options{IncludeBody: []string{"important"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	headers := meshHeaders("a", "b")
	if !f.Allows(headers, []byte("This is an important message")) {
		t.Error("Expected message to be allowed (body matches)")
	}
	if f.Allows(headers, []byte("This is a regular message")) {
		t.Error("Expected message to be filtered out (body doesn't match)")
	}
}

func TestHeaderText(t *testing.T) {
	got := HeaderText(map[string]string{"b": "2", "a": "1"})
	if want := "a: 1\nb: 2\n"; got != want {
		t.Errorf("HeaderText() = %q, want %q", got, want)
	}
	if HeaderText(nil) != "" {
		t.Error("HeaderText(nil) should be empty")
	}
}
