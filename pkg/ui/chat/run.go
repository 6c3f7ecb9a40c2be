package chat

import (
	"context"
	"fmt"

	"loopsync/pkg/bus"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// RuntimeInfo describes the connection shown in the header.
type RuntimeInfo struct {
	BaseURL   string
	Transport string
}

// Observable is a conversation that also streams its state changes.
type Observable interface {
	Conversation
	Events(ctx context.Context, buffer int) (<-chan bus.Event, func())
}

func RunInteractive(ctx context.Context, conv Observable, info RuntimeInfo) error {
	events, unsubscribe := conv.Events(ctx, 64)
	defer unsubscribe()

	initial := newModel(ctx, conv, events, modeInteractive, "", info)
	program := tea.NewProgram(initial, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	_, err := program.Run()
	if err != nil {
		return err
	}

	fmt.Println(renderGoodbyeBanner())
	return nil
}

// RunOneShot sends prompt, waits for the conversation to settle and prints
// the reply.
func RunOneShot(ctx context.Context, conv Observable, prompt string, info RuntimeInfo) error {
	events, unsubscribe := conv.Events(ctx, 64)
	defer unsubscribe()

	initial := newModel(ctx, conv, events, modeOneShot, prompt, info)
	program := tea.NewProgram(initial, tea.WithContext(ctx))
	final, err := program.Run()
	if err != nil {
		return err
	}
	return oneShotResult(final)
}

func oneShotResult(final tea.Model) error {
	if m, ok := final.(*model); ok && m.lastErr != "" {
		return fmt.Errorf("prompt failed: %s", m.lastErr)
	}
	return nil
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("24")).
		Padding(1, 2)

	return style.Render("📡 LoopSync session closed")
}
