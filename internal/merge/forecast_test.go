package merge

import (
	"context"
	"reflect"
	"slices"
	"testing"

	"github.com/Iron-Ham/wpflow/internal/testutil"
)

func TestForecast_SharedFile(t *testing.T) {
	f := newRepoFixture(t)
	f.addWP(t, "WP01", map[string]string{"shared.go": "package a // 1\n", "one.go": "1"})
	f.addWP(t, "WP02", map[string]string{"shared.go": "package a // 2\n", "two.go": "2"})
	f.addWP(t, "WP03", map[string]string{"shared.go": "package a // 3\n"})

	got, err := Forecast(f.ctx, f.git, ForecastRequest{
		Feature:          testFeature,
		Target:           "main",
		Order:            []string{"WP01", "WP02", "WP03"},
		MetadataPatterns: testMetadataPatterns,
	})
	if err != nil {
		t.Fatalf("Forecast() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Forecast() = %+v, want one prediction", got)
	}
	p := got[0]
	if p.FilePath != "shared.go" || p.IsReconcilableMetadata {
		t.Errorf("prediction = %+v", p)
	}
	if !slices.Equal(p.ConflictingWPs, []string{"WP01", "WP02", "WP03"}) {
		t.Errorf("ConflictingWPs = %v", p.ConflictingWPs)
	}
}

func TestForecast_MetadataAndIdempotence(t *testing.T) {
	f := newRepoFixture(t)
	f.addWP(t, "WP01", map[string]string{
		"features/001-auth/status.json": `{"WP01":"done"}`,
		"pkg/z.go":                      "z1",
	})
	f.addWP(t, "WP02", map[string]string{
		"features/001-auth/status.json": `{"WP02":"done"}`,
		"pkg/z.go":                      "z2",
		"pkg/a.go":                      "a2",
	})
	f.addWP(t, "WP03", map[string]string{"pkg/a.go": "a3"})

	req := ForecastRequest{
		Feature:          testFeature,
		Target:           "main",
		Order:            []string{"WP03", "WP01", "WP02"},
		MetadataPatterns: testMetadataPatterns,
		MaxParallel:      1,
	}
	got, err := Forecast(f.ctx, f.git, req)
	if err != nil {
		t.Fatalf("Forecast() error = %v", err)
	}

	want := []ConflictPrediction{
		{FilePath: "pkg/a.go", ConflictingWPs: []string{"WP03", "WP02"}},
		{FilePath: "pkg/z.go", ConflictingWPs: []string{"WP01", "WP02"}},
		{FilePath: "features/001-auth/status.json", ConflictingWPs: []string{"WP01", "WP02"}, IsReconcilableMetadata: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Forecast() =\n%+v\nwant\n%+v", got, want)
	}
	if len(CodeConflicts(got)) != 2 {
		t.Errorf("CodeConflicts() = %v", CodeConflicts(got))
	}

	again, err := Forecast(f.ctx, f.git, req)
	if err != nil || !reflect.DeepEqual(got, again) {
		t.Errorf("Forecast() not idempotent: %v, %+v", err, again)
	}
	if testutil.HasUncommittedChanges(t, f.repo) {
		t.Error("Forecast() must not modify the repository")
	}
}

func TestForecast_NoOverlap(t *testing.T) {
	stub := stubDiff{
		"001-auth-WP01": {"a.go"},
		"001-auth-WP02": {"b.go"},
	}
	got, err := Forecast(context.Background(), stub, ForecastRequest{
		Feature: testFeature, Target: "main", Order: []string{"WP01", "WP02"},
	})
	if err != nil || len(got) != 0 {
		t.Errorf("Forecast() = %v, %v; want no predictions", got, err)
	}
}

type stubDiff map[string][]string

func (s stubDiff) ChangedFiles(_ context.Context, _, branch string) ([]string, error) {
	return s[branch], nil
}

func TestIsMetadataPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"features/001-auth/tasks/WP01.md", true},
		{"features/001-auth/status.json", true},
		{"features/001-auth/status.events.jsonl", true},
		{"features/001-auth/tasks/done/WP01.md", false},
		{"features/001-auth/spec.md", false},
		{"src/status.json", false},
	}
	for _, tt := range tests {
		if got := IsMetadataPath(tt.path, testMetadataPatterns); got != tt.want {
			t.Errorf("IsMetadataPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
