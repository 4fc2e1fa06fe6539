package models

import "testing"

func TestEventType_Persisted(t *testing.T) {
	tests := []struct {
		t    EventType
		want bool
	}{
		{EventTypeMessage, true},
		{EventTypeReaction, true},
		{EventTypeTyping, false},
		{EventTypeInfo, true},
		{EventTypeNewDevice, true},
		{EventTypeGroupInfoRefreshRequested, true},
		{EventTypeReadditionRequested, true},
		{EventTypeMembershipChange, true},
		{EventTypeRead, true},
		{EventTypeWarning, true},
	}
	for _, tc := range tests {
		if got := tc.t.Persisted(); got != tc.want {
			t.Errorf("EventType(%q).Persisted() = %v, want %v", tc.t, got, tc.want)
		}
	}
}

func TestConversation_IsLocalSequencer(t *testing.T) {
	local := Conversation{ID: "c1"}
	if !local.IsLocalSequencer() {
		t.Error("expected nil SequencerDS to mean this DS is the sequencer")
	}

	remote := "did:web:other-ds.example.com"
	notLocal := Conversation{ID: "c2", SequencerDS: &remote}
	if notLocal.IsLocalSequencer() {
		t.Error("expected non-nil SequencerDS to mean this DS is not the sequencer")
	}
}
