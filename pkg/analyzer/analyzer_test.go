package analyzer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAnalyzeCompletion(t *testing.T) {
	r := Analyze("All done, the task is completed.")
	if !r.IsComplete {
		t.Error("expected IsComplete true")
	}
	if r.HasError || r.NeedsInput {
		t.Errorf("unexpected flags: HasError=%v NeedsInput=%v", r.HasError, r.NeedsInput)
	}
	if r.Summary != "task completed" {
		t.Errorf("Summary = %q, want %q", r.Summary, "task completed")
	}
}

func TestAnalyzeError(t *testing.T) {
	r := Analyze("An error occurred while processing.")
	if !r.HasError {
		t.Error("expected HasError true")
	}
	if r.Summary != "error encountered" {
		t.Errorf("Summary = %q, want %q", r.Summary, "error encountered")
	}
}

func TestAnalyzeErrorChinese(t *testing.T) {
	r := Analyze("操作失败，请重试")
	if !r.HasError {
		t.Error("expected HasError true for 失败")
	}
}

func TestAnalyzeNeedsInput(t *testing.T) {
	r := Analyze("Please confirm the next step before I continue.")
	if !r.NeedsInput {
		t.Error("expected NeedsInput true")
	}
	if r.Summary != "waiting for input" {
		t.Errorf("Summary = %q, want %q", r.Summary, "waiting for input")
	}
}

func TestAnalyzeNextPhaseExtraction(t *testing.T) {
	r := Analyze("Step one is done.\nNext: run the test suite and verify output.")
	if r.NextPhase != "run the test suite and verify output." {
		t.Errorf("NextPhase = %q", r.NextPhase)
	}
	if r.Confidence <= 0 {
		t.Error("expected positive confidence when NextPhase is non-empty")
	}
}

func TestAnalyzeNextPhaseChineseMarker(t *testing.T) {
	r := Analyze("已经修复了这个问题。下一步：运行完整的测试套件验证修复。")
	if r.NextPhase == "" {
		t.Error("expected a non-empty NextPhase for 下一步 marker")
	}
}

func TestAnalyzeNextPhaseFallsBackToLastLine(t *testing.T) {
	r := Analyze("Some narration.\n\nStill working on the database migration script.")
	if r.NextPhase != "Still working on the database migration script." {
		t.Errorf("NextPhase = %q", r.NextPhase)
	}
}

func TestAnalyzeNextPhaseFallbackSkipsCompletionErrorLines(t *testing.T) {
	r := Analyze("Some narration.\n\nDone.")
	if r.NextPhase != "" {
		t.Errorf("expected empty NextPhase when trailing line is a completion marker, got %q", r.NextPhase)
	}
}

func TestConfidenceFormula(t *testing.T) {
	short := Analyze("Next: wait")
	if short.Confidence != 0.6 {
		t.Errorf("short next-phase confidence = %v, want 0.6", short.Confidence)
	}

	long := Analyze("Next: investigate the remaining failures")
	if long.Confidence != 0.8 {
		t.Errorf("long next-phase confidence = %v, want 0.8", long.Confidence)
	}

	continuation := Analyze("Next: continue with the rollout")
	if continuation.Confidence != 1.0 {
		t.Errorf("continuation next-phase confidence = %v, want 1.0", continuation.Confidence)
	}

	empty := Analyze("just some text with no markers")
	if empty.Confidence != 0 {
		t.Errorf("expected 0 confidence with no next-phase marker, got %v", empty.Confidence)
	}
}

func TestExtractFilesOnlyExistingPaths(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "report.pdf")
	if err := os.WriteFile(existing, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	text := "Wrote output to " + existing + " and also mentioned /no/such/file.png."
	r := Analyze(text)

	if len(r.Files) != 1 {
		t.Fatalf("Files = %+v, want exactly 1 (nonexistent path should be dropped)", r.Files)
	}
	if r.Files[0].Path != existing {
		t.Errorf("Files[0].Path = %q, want %q", r.Files[0].Path, existing)
	}
	if r.Files[0].Category != CategoryDocument {
		t.Errorf("Category = %q, want document", r.Files[0].Category)
	}
}

func TestExtractFilesCategorization(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]Category{
		"photo.png": CategoryImage,
		"song.mp3":  CategoryAudio,
		"clip.mp4":  CategoryVideo,
		"notes.txt": CategoryDocument,
	}
	for name, want := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("setup %s: %v", name, err)
		}
		r := Analyze("see " + path)
		if len(r.Files) != 1 || r.Files[0].Category != want {
			t.Errorf("%s: Files = %+v, want category %q", name, r.Files, want)
		}
	}
}

func TestExtractFilesDeduplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dup.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	r := Analyze(path + " and again " + path)
	if len(r.Files) != 1 {
		t.Errorf("expected deduplicated Files, got %+v", r.Files)
	}
}

func TestMediaPaths(t *testing.T) {
	r := Result{Files: []FileRef{{Path: "/a.png"}, {Path: "/b.mp3"}}}
	got := r.MediaPaths()
	if len(got) != 2 || got[0] != "/a.png" || got[1] != "/b.mp3" {
		t.Errorf("MediaPaths() = %+v", got)
	}
}

func TestNeedsIntervention(t *testing.T) {
	if NeedsIntervention(Result{}, 5, 10) {
		t.Error("expected false: under loop depth, no error")
	}
	if !NeedsIntervention(Result{}, 10, 10) {
		t.Error("expected true: at loop depth bound")
	}
	if !NeedsIntervention(Result{HasError: true}, 0, 10) {
		t.Error("expected true: HasError")
	}
	if !NeedsIntervention(Result{}, 150, 0) {
		t.Error("expected true: default bound of 100 exceeded when maxLoopDepth<=0")
	}
}
