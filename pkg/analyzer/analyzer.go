// Package analyzer implements the Result Analyzer (C10): regex-based
// classification and artifact-path extraction over the agent's final
// text output.
package analyzer

import (
	"os"
	"regexp"
	"strings"
)

// Category buckets a detected file path by its extension.
type Category string

const (
	CategoryImage    Category = "image"
	CategoryAudio    Category = "audio"
	CategoryVideo    Category = "video"
	CategoryDocument Category = "document"
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".webp": true, ".svg": true, ".ico": true, ".tiff": true, ".tif": true,
}

var audioExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".ogg": true, ".m4a": true, ".flac": true,
	".aac": true, ".opus": true, ".wma": true,
}

var videoExtensions = map[string]bool{
	".mp4": true, ".avi": true, ".mov": true, ".mkv": true, ".webm": true,
	".flv": true, ".wmv": true, ".m4v": true,
}

var documentExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".txt": true, ".md": true, ".csv": true,
	".json": true, ".xml": true, ".zip": true, ".tar": true, ".gz": true,
}

// filePathPattern loosely matches filesystem-path-shaped tokens; the
// existence-on-disk check is the real correctness gate, not this regex.
var filePathPattern = regexp.MustCompile(`(?:[a-zA-Z]:\\|/)?[\w\-\\/.]+\.\w+`)

var nextPhasePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)next[,:：]?\s*(.+)`),
	regexp.MustCompile(`(?i)next\s+step[s]?[,:：]?\s*(.+)`),
	regexp.MustCompile(`下一步[,:：]?\s*(.+)`),
	regexp.MustCompile(`接下来[,:：]?\s*(.+)`),
	regexp.MustCompile(`(?i)now\s+(?:I will|I'll|let me)\s+(.+)`),
}

var completionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(done|completed?|finished)\b`),
	regexp.MustCompile(`完成`),
	regexp.MustCompile(`已完成`),
}

var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\berror\b`),
	regexp.MustCompile(`错误|失败`),
}

var inputPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(please (confirm|provide|specify)|waiting for (your )?(input|response|confirmation))\b`),
	regexp.MustCompile(`请(确认|提供|输入)`),
	regexp.MustCompile(`(?i)\?\s*$`),
}

// FileRef is a single categorized artifact discovered in the agent's
// output and confirmed to exist on disk at analysis time.
type FileRef struct {
	Path     string   `json:"path"`
	Category Category `json:"category"`
}

// Result is the outcome of analyzing one turn's final text.
type Result struct {
	IsComplete  bool       `json:"is_complete"`
	HasError    bool       `json:"has_error"`
	NeedsInput  bool       `json:"needs_input"`
	NextPhase   string     `json:"next_phase,omitempty"`
	Confidence  float64    `json:"confidence"`
	Files       []FileRef  `json:"files"`
	Summary     string     `json:"summary"`
}

// Analyze classifies result text and extracts existing artifact paths.
func Analyze(text string) Result {
	r := Result{
		IsComplete: matchesAny(completionPatterns, text),
		HasError:   matchesAny(errorPatterns, text),
		NeedsInput: matchesAny(inputPatterns, text),
		Files:      extractFiles(text),
	}
	r.NextPhase = extractNextPhase(text, r)
	// A phase taken from the last-line fallback carries no confidence;
	// only an explicit next-phase marker earns the formula's score.
	if matchesAny(nextPhasePatterns, text) {
		r.Confidence = confidence(r)
	}
	r.Summary = summarize(r)
	return r
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// extractNextPhase returns the first NEXT_PHASE pattern match's captured
// group; if none match, falls back to the last non-empty line provided
// it doesn't look like a completion/error indicator itself.
func extractNextPhase(text string, r Result) string {
	for _, p := range nextPhasePatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[len(m)-1])
		}
	}

	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if matchesAny(completionPatterns, line) || matchesAny(errorPatterns, line) {
			return ""
		}
		return line
	}
	return ""
}

// confidence implements the 0.6 base + 0.2 + 0.2 formula, capped at 1.0.
func confidence(r Result) float64 {
	if r.NextPhase == "" {
		return 0
	}
	c := 0.6
	if len(r.NextPhase) > 10 {
		c += 0.2
	}
	lower := strings.ToLower(r.NextPhase)
	if strings.Contains(lower, "continue") || strings.Contains(lower, "next") ||
		strings.Contains(r.NextPhase, "继续") || strings.Contains(r.NextPhase, "下一") {
		c += 0.2
	}
	if c > 1.0 {
		c = 1.0
	}
	return c
}

func summarize(r Result) string {
	switch {
	case r.HasError:
		return "error encountered"
	case r.NeedsInput:
		return "waiting for input"
	case r.IsComplete:
		return "task completed"
	case r.NextPhase != "":
		return "in progress: " + r.NextPhase
	default:
		return "in progress"
	}
}

// extractFiles scans text for path-shaped tokens, keeping only those
// that exist on disk at analysis time, and categorizes each by
// extension.
func extractFiles(text string) []FileRef {
	matches := filePathPattern.FindAllString(text, -1)
	seen := make(map[string]bool, len(matches))
	var out []FileRef
	for _, m := range matches {
		path := strings.Trim(m, ".,;:!?")
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		out = append(out, FileRef{Path: path, Category: categorize(path)})
	}
	return out
}

func categorize(path string) Category {
	ext := strings.ToLower(extOf(path))
	switch {
	case imageExtensions[ext]:
		return CategoryImage
	case audioExtensions[ext]:
		return CategoryAudio
	case videoExtensions[ext]:
		return CategoryVideo
	default:
		return CategoryDocument
	}
}

func extOf(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return ""
	}
	return path[i:]
}

// MediaPaths returns just the file paths in r.Files, in discovery order.
func (r Result) MediaPaths() []string {
	out := make([]string, 0, len(r.Files))
	for _, f := range r.Files {
		out = append(out, f.Path)
	}
	return out
}

// NeedsIntervention reports whether the loop depth has exceeded the
// bound or the analysis flagged an unrecoverable condition, signalling
// that a cron/heartbeat-driven chain of turns should stop.
func NeedsIntervention(r Result, loopDepth, maxLoopDepth int) bool {
	if maxLoopDepth <= 0 {
		maxLoopDepth = 100
	}
	if loopDepth >= maxLoopDepth {
		return true
	}
	return r.HasError
}
