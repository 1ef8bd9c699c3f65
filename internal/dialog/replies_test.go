package dialog

import "testing"

func TestTextReply_KeepsPercentSigns(t *testing.T) {
	// Dynamic strings (task texts, rendered lists) go through the plain
	// constructor and must never be treated as format strings.
	got := textReply("Water 100% of plants").Text
	if got != "Water 100% of plants" {
		t.Fatalf("textReply = %q", got)
	}

	got = textReply(renderList("Your tasks:", []string{"50%s off"})).Text
	if got != "Your tasks:\n1. 50%s off" {
		t.Fatalf("textReply = %q", got)
	}
}

func TestTextReplyf_Formats(t *testing.T) {
	got := textReplyf("Task %q added!", "Water plants").Text
	if got != `Task "Water plants" added!` {
		t.Fatalf("textReplyf = %q", got)
	}
}
