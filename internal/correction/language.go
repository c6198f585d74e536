package correction

import (
	"regexp"
	"strings"
)

// Language identifiers produced by detection. Unknown skips syntactic checks.
const (
	LangPython     = "python"
	LangJavaScript = "javascript"
	LangTypeScript = "typescript"
	LangRust       = "rust"
	LangGo         = "go"
	LangJava       = "java"
	LangC          = "c"
	LangCPP        = "cpp"
	LangShell      = "shell"
	LangUnknown    = "unknown"
)

// fenceTagPattern matches the info string of a fenced code block.
var fenceTagPattern = regexp.MustCompile("(?m)^```([A-Za-z0-9+#_-]+)")

// fenceTags maps fence info strings onto language identifiers.
var fenceTags = map[string]string{
	"py": LangPython, "python": LangPython, "python3": LangPython,
	"js": LangJavaScript, "javascript": LangJavaScript, "node": LangJavaScript,
	"ts": LangTypeScript, "typescript": LangTypeScript,
	"rs": LangRust, "rust": LangRust,
	"go": LangGo, "golang": LangGo,
	"java": LangJava,
	"c":    LangC,
	"cpp":  LangCPP, "c++": LangCPP, "cxx": LangCPP,
	"sh": LangShell, "bash": LangShell, "shell": LangShell, "zsh": LangShell,
}

// languageKeywords scores prompt text when no fence tag is present. Each hit
// counts once; the highest-scoring language wins if it clears the runner-up.
var languageKeywords = map[string][]string{
	LangPython:     {"python", "def ", "import ", "pip ", "pytest", "django", "flask", "numpy"},
	LangJavaScript: {"javascript", "node.js", "nodejs", "npm ", "const ", "=> {", "express"},
	LangTypeScript: {"typescript", "interface ", ": string", ": number", "tsconfig"},
	LangRust:       {"rust", "fn main", "cargo", "let mut", "impl ", "::<"},
	LangGo:         {"golang", " go ", "func ", "goroutine", "go.mod", "package main"},
	LangJava:       {"java ", "public class", "public static void", "maven", "gradle", "spring"},
	LangC:          {" c ", "#include <stdio", "malloc", "printf("},
	LangCPP:        {"c++", "cpp", "std::", "#include <iostream", "template<"},
	LangShell:      {"bash", "shell script", "#!/bin/sh", "#!/bin/bash", "grep ", "awk "},
}

// DetectLanguage infers the target language from a prompt. A fenced block's
// info string wins outright; otherwise keyword scoring applies, and a tie or
// no signal yields LangUnknown.
func DetectLanguage(prompt string) string {
	if m := fenceTagPattern.FindStringSubmatch(prompt); m != nil {
		if lang, ok := fenceTags[strings.ToLower(m[1])]; ok {
			return lang
		}
	}

	lower := strings.ToLower(prompt)
	best, bestScore, runnerUp := LangUnknown, 0, 0
	for lang, keywords := range languageKeywords {
		score := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		switch {
		case score > bestScore:
			runnerUp = bestScore
			best, bestScore = lang, score
		case score == bestScore && score > 0:
			runnerUp = score
		case score > runnerUp:
			runnerUp = score
		}
	}

	// Ambiguous: two languages scored equally, or nothing matched.
	if bestScore == 0 || bestScore == runnerUp {
		return LangUnknown
	}
	return best
}
