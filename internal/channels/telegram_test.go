package channels

import (
	"strings"
	"testing"

	"github.com/basket/taskdeck/internal/bus"
)

func TestSyncNote_CoversTaskTopics(t *testing.T) {
	ev := bus.AccountEvent{Platform: "gateway", Detail: "Water plants"}
	cases := []struct {
		topic string
		want  string
	}{
		{bus.TopicTaskAdded, "added"},
		{bus.TopicTaskDeleted, "deleted"},
		{bus.TopicTaskCompleted, "completed"},
		{bus.TopicSubtaskChanged, "Subtasks"},
		{bus.TopicSnapshotImported, "imported"},
	}
	for _, tc := range cases {
		note := syncNote(tc.topic, ev)
		if !strings.Contains(note, tc.want) {
			t.Fatalf("syncNote(%q) = %q, want substring %q", tc.topic, note, tc.want)
		}
		if tc.topic != bus.TopicSnapshotImported && !strings.Contains(note, "Water plants") {
			t.Fatalf("syncNote(%q) = %q, missing task text", tc.topic, note)
		}
	}
}

func TestSyncNote_UnknownTopicIsSilent(t *testing.T) {
	if note := syncNote(bus.TopicAuthLogin, bus.AccountEvent{}); note != "" {
		t.Fatalf("expected empty note, got %q", note)
	}
}

func TestNewTelegramChannel_AllowedIDs(t *testing.T) {
	ch := NewTelegramChannel("tok", []int64{1, 2}, &stubDispatcher{}, nil, nil, discardLogger())
	if _, ok := ch.allowedIDs[1]; !ok {
		t.Fatal("id 1 should be allowed")
	}
	if _, ok := ch.allowedIDs[3]; ok {
		t.Fatal("id 3 should not be allowed")
	}
	if ch.Name() != "telegram" {
		t.Fatalf("name = %q", ch.Name())
	}
}
