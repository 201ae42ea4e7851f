package pipeline

import (
	"regexp"
	"strings"
)

var (
	imageRe    = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	linkRe     = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	bareURLRe  = regexp.MustCompile(`^https?://\S+$`)
	ruleLineRe = regexp.MustCompile(`^[-=_*|:\s]+$`)
)

// noiseMarkers flag short boilerplate lines that survive the reader's
// own cleanup: cookie banners, consent prompts, footer legalese.
var noiseMarkers = []string{
	"cookie",
	"subscribe to our",
	"sign up for our",
	"all rights reserved",
	"privacy policy",
	"terms of service",
	"terms & conditions",
	"skip to content",
	"skip to main content",
	"accept all",
	"we use cookies",
}

// CleanMarkdown reduces reader markdown to plain text suitable for LLM
// context: images dropped, links collapsed to their anchor text,
// separator and boilerplate lines removed, blank runs squeezed. The
// result is truncated to maxChars (0 means no cap).
func CleanMarkdown(md string, maxChars int) string {
	md = imageRe.ReplaceAllString(md, "")
	md = linkRe.ReplaceAllString(md, "$1")

	var b strings.Builder
	blank := 0
	for _, line := range strings.Split(md, "\n") {
		line = strings.TrimRight(line, " \t")
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			blank++
			if blank <= 1 {
				b.WriteString("\n")
			}
			continue
		}
		if bareURLRe.MatchString(trimmed) || ruleLineRe.MatchString(trimmed) {
			continue
		}
		if isNoiseLine(trimmed) {
			continue
		}

		blank = 0
		b.WriteString(strings.TrimLeft(line, "#> "))
		b.WriteString("\n")
	}

	text := strings.TrimSpace(b.String())
	if maxChars > 0 && len(text) > maxChars {
		text = text[:maxChars]
	}
	return text
}

// isNoiseLine flags short lines dominated by boilerplate markers. Long
// lines are kept even when they mention a marker, since prose about
// e.g. a privacy product would otherwise be lost.
func isNoiseLine(line string) bool {
	if len(line) > 120 {
		return false
	}
	lower := strings.ToLower(line)
	for _, m := range noiseMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// clip truncates s to max characters.
func clip(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}
