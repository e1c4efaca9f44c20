package helpers

import (
	"errors"
	"strings"
)

// ExtractFencedBlock returns the content of the first ``` fenced block in s.
// When langs are given, only blocks tagged with one of them (case-insensitive)
// match; otherwise any fenced block is returned. The fence lines themselves
// are stripped.
func ExtractFencedBlock(s string, langs ...string) (string, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "﻿"))
	if s == "" {
		return "", errors.New("empty input")
	}
	want := make(map[string]struct{}, len(langs))
	for _, l := range langs {
		l = strings.ToLower(strings.TrimSpace(l))
		if l != "" {
			want[l] = struct{}{}
		}
	}

	const fence = "```"
	start := 0
	for {
		open := strings.Index(s[start:], fence)
		if open == -1 {
			return "", errors.New("no fenced block found")
		}
		open += start
		rest := s[open+len(fence):]
		nl := strings.IndexByte(rest, '\n')
		if nl == -1 {
			return "", errors.New("unterminated fence")
		}
		lang := strings.ToLower(strings.TrimSpace(rest[:nl]))
		body := rest[nl+1:]
		closeIdx := strings.Index(body, fence)
		if closeIdx == -1 {
			return "", errors.New("fenced block not closed")
		}
		if len(want) == 0 {
			return strings.TrimSpace(body[:closeIdx]), nil
		}
		if _, ok := want[lang]; ok {
			return strings.TrimSpace(body[:closeIdx]), nil
		}
		start = open + len(fence) + nl + 1 + closeIdx + len(fence)
	}
}

// HasMarkdownHeading reports whether md contains a heading line whose text
// starts with title (any #-level, case-insensitive).
func HasMarkdownHeading(md, title string) bool {
	title = strings.ToLower(strings.TrimSpace(title))
	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		heading := strings.ToLower(strings.TrimSpace(strings.TrimLeft(trimmed, "#")))
		if strings.HasPrefix(heading, title) {
			return true
		}
	}
	return false
}
