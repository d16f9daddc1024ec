// Package scoring implements the Scoring Pipeline (C6): heuristic Windows-
// bias detection, snippet extraction, and the external LLM scoring
// collaborator with its own rate limiter.
package scoring

import (
	"regexp"
	"strings"

	"github.com/sevigo/docbias-scanner/internal/core"
)

// windowsPatterns is the exact regex heuristic list used to flag a code
// snippet as Windows-biased when it isn't already excluded by context.
var windowsPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^\s*C:\\`),
	regexp.MustCompile(`\\`),
	regexp.MustCompile(`(?i)cmd\.exe`),
	regexp.MustCompile(`(?i)powershell`),
	regexp.MustCompile(`(?im)PS [A-Z]:`),
	regexp.MustCompile(`(?i)\\Users\\`),
	regexp.MustCompile(`(?i)net use`),
	regexp.MustCompile(`(?i)icacls`),
	regexp.MustCompile(`(?i)\bregedit\b`),
	regexp.MustCompile(`(?i)\bchoco(\s|$)`),
	regexp.MustCompile(`(?i)\bwinget(\s|$)`),
	regexp.MustCompile(`(?i)\bSet-ExecutionPolicy\b`),
	regexp.MustCompile(`(?i)\bGet-ChildItem\b`),
	regexp.MustCompile(`(?i)\bNew-Item\b`),
	regexp.MustCompile(`(?i)\bRemove-Item\b`),
	regexp.MustCompile(`(?i)\bdir\b`),
	regexp.MustCompile(`(?i)\bcopy\b`),
	regexp.MustCompile(`(?i)\bdel\b`),
	regexp.MustCompile(`(?i)\bcls\b`),
	regexp.MustCompile(`(?i)\btype\b`),
	regexp.MustCompile(`(?i)\bsc \b`),
	regexp.MustCompile(`(?i)\bnet start\b`),
	regexp.MustCompile(`(?i)\bnet stop\b`),
	regexp.MustCompile(`(?i)\bmsiexec\b`),
	regexp.MustCompile(`(?i)\btasklist\b`),
	regexp.MustCompile(`(?i)\btaskkill\b`),
	regexp.MustCompile(`(?i)\bshutdown\b`),
	regexp.MustCompile(`(?i)\bexplorer\.exe\b`),
}

// IsWindowsBiased applies the heuristic pre-filter: snippets explicitly
// scoped to Windows (by tab, header, context keywords, or url path) are
// never flagged, regardless of their code; everything else is checked
// against windowsPatterns.
func IsWindowsBiased(sn *core.Snippet, url string) bool {
	if sn.UnderAzPowerShellTab || sn.WindowsHeader {
		return false
	}
	context := strings.ToLower(sn.Context)
	if strings.Contains(context, "windows") || strings.Contains(context, "powershell") {
		return false
	}
	if core.IsWindowsFocusedPath(url) || strings.Contains(strings.ToLower(url), "/windows-") {
		return false
	}
	for _, pat := range windowsPatterns {
		if pat.MatchString(sn.Code) {
			return true
		}
	}
	return false
}

// HeuristicBiasTypes produces the same bias_types breakdown the original's
// heuristic fallback score reports, used when the LLM scoring service is
// unavailable or times out.
func HeuristicBiasTypes(sn *core.Snippet) map[string]any {
	code := strings.ToLower(sn.Code)
	return map[string]any{
		"powershell_only":        strings.Contains(code, "powershell") || containsAny(code, "get-", "set-", "new-", "remove-"),
		"windows_paths":          strings.Contains(code, `c:\`) || strings.Contains(code, `\users\`),
		"windows_commands":       containsAny(code, "dir", "copy", "del", "cls", "type"),
		"windows_tools":          containsAny(code, "regedit", "msiexec", "choco", "winget"),
		"missing_linux_example":  IsWindowsBiased(sn, ""),
		"windows_specific_syntax": strings.Contains(code, "$env:"),
		"windows_registry":       strings.Contains(code, "registry") || strings.Contains(code, "regedit"),
		"windows_services":       containsAny(code, "net start", "net stop", "sc "),
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// HeuristicScore builds an LLM-score-compatible result using only the
// heuristic detector, matching _create_heuristic_score's fallback shape.
func HeuristicScore(sn *core.Snippet) map[string]any {
	biased := IsWindowsBiased(sn, "")
	explanation := "No bias detected (heuristic fallback)"
	if biased {
		explanation = "Heuristic fallback (batch scoring timed out)"
	}
	return map[string]any{
		"windows_biased": biased,
		"bias_types":     HeuristicBiasTypes(sn),
		"explanation":    explanation,
		"method":         "heuristic_fallback",
	}
}
