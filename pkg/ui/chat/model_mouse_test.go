package chat

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"loopsync/pkg/bus"
	"loopsync/pkg/message"

	tea "github.com/charmbracelet/bubbletea"
)

func longTranscript(n int) *fakeConversation {
	conv := newFakeConversation()
	for i := 0; i < n; i++ {
		conv.view.Messages = append(conv.view.Messages, message.Message{
			ID:     fmt.Sprintf("m%d", i),
			Author: message.AuthorRemote,
			Body:   fmt.Sprintf("line %d", i),
			State:  message.StateConfirmed,
		})
	}
	return conv
}

func scrolledModel(t *testing.T, conv *fakeConversation) *model {
	t.Helper()
	m := newModel(context.Background(), conv, nil, modeInteractive, "", RuntimeInfo{})
	m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	if !m.viewport.AtBottom() {
		t.Fatalf("expected transcript to open at the bottom, YOffset=%d", m.viewport.YOffset)
	}
	return m
}

func wheel(m *model, button tea.MouseButton) {
	m.Update(tea.MouseMsg{Action: tea.MouseActionPress, Button: button})
}

func TestWheelUpHoldsPositionWhenMessagesArrive(t *testing.T) {
	conv := longTranscript(30)
	m := scrolledModel(t, conv)

	wheel(m, tea.MouseButtonWheelUp)
	if m.followLog {
		t.Fatal("expected scrolling up to stop following the transcript")
	}
	offset := m.viewport.YOffset

	conv.reply("late reply", nil)
	m.Update(engineEventMsg{event: bus.Event{Type: bus.EventMessageAppended}})

	if m.viewport.YOffset != offset {
		t.Fatalf("YOffset = %d after new message, want %d", m.viewport.YOffset, offset)
	}
	if strings.Contains(m.viewport.View(), "late reply") {
		t.Fatal("new message should stay below the visible window while scrolled up")
	}
}

func TestWheelDownToBottomFollowsNewMessages(t *testing.T) {
	conv := longTranscript(30)
	m := scrolledModel(t, conv)

	wheel(m, tea.MouseButtonWheelUp)
	for i := 0; i < 5 && !m.viewport.AtBottom(); i++ {
		wheel(m, tea.MouseButtonWheelDown)
	}
	if !m.followLog {
		t.Fatal("expected reaching the bottom to resume following")
	}

	conv.reply("fresh reply", nil)
	m.Update(engineEventMsg{event: bus.Event{Type: bus.EventMessageAppended}})

	if !m.viewport.AtBottom() {
		t.Fatalf("expected transcript pinned to the bottom, YOffset=%d", m.viewport.YOffset)
	}
	if !strings.Contains(m.viewport.View(), "fresh reply") {
		t.Fatalf("viewport missing newest message:\n%s", m.viewport.View())
	}
}

func TestNonWheelMouseLeavesTranscriptAlone(t *testing.T) {
	m := scrolledModel(t, longTranscript(30))
	offset := m.viewport.YOffset

	if m.handleViewportMouse(tea.MouseMsg{Action: tea.MouseActionPress, Button: tea.MouseButtonLeft}) {
		t.Fatal("expected a click to be ignored")
	}
	if m.viewport.YOffset != offset || !m.followLog {
		t.Fatalf("click moved the transcript: YOffset=%d follow=%v", m.viewport.YOffset, m.followLog)
	}
}
