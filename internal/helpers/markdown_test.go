package helpers

import "testing"

func TestExtractFencedBlock(t *testing.T) {
	t.Parallel()
	in := "Here is the plan:\n```json\n{\"a\": 1}\n```\ntrailing"
	got, err := ExtractFencedBlock(in, "json")
	if err != nil {
		t.Fatalf("ExtractFencedBlock: %v", err)
	}
	if got != `{"a": 1}` {
		t.Fatalf("got %q", got)
	}
}

func TestExtractFencedBlockAnyLang(t *testing.T) {
	t.Parallel()
	in := "```\nplain\n```"
	got, err := ExtractFencedBlock(in)
	if err != nil {
		t.Fatalf("ExtractFencedBlock: %v", err)
	}
	if got != "plain" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractFencedBlockSkipsOtherLangs(t *testing.T) {
	t.Parallel()
	in := "```python\nprint()\n```\n```json\n{}\n```"
	got, err := ExtractFencedBlock(in, "json")
	if err != nil {
		t.Fatalf("ExtractFencedBlock: %v", err)
	}
	if got != "{}" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractFencedBlockErrors(t *testing.T) {
	t.Parallel()
	if _, err := ExtractFencedBlock("no fences here"); err == nil {
		t.Fatalf("expected error without fences")
	}
	if _, err := ExtractFencedBlock("```json\nunclosed"); err == nil {
		t.Fatalf("expected error for unclosed fence")
	}
}

func TestHasMarkdownHeading(t *testing.T) {
	t.Parallel()
	md := "# Title\n\nbody\n\n## References\n1. [a](https://a)"
	if !HasMarkdownHeading(md, "references") {
		t.Fatalf("references heading not detected")
	}
	if HasMarkdownHeading(md, "appendix") {
		t.Fatalf("unexpected heading match")
	}
}
