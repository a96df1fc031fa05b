// Package tui is a terminal chat client for the assistant. It drives a
// Controller over the wire contract and renders the conversation, live tool
// activity, and confirmation prompts in a bubbletea program.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/relaycrm/assistant-go/assistant"
)

const maxChatWidth = 110

// refreshMsg re-renders the transcript from controller state. The controller
// posts one after every state change via its OnUpdate hook.
type refreshMsg struct{}

// streamDoneMsg marks a SendMessage call as settled. Outcome details live in
// the controller, not the message.
type streamDoneMsg struct{}

// confirmDoneMsg marks a ConfirmAction call as settled.
type confirmDoneMsg struct{}

// App is the bubbletea model for the chat session.
type App struct {
	ctrl     *assistant.Controller
	program  *tea.Program
	sendOpts []assistant.SendOption

	viewport viewport.Model
	input    textarea.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	width  int
	height int
	ready  bool
}

// Option configures the App.
type Option func(*App)

// WithSendOptions sets per-message options applied to every send, for
// provider and model overrides from the command line.
func WithSendOptions(opts ...assistant.SendOption) Option {
	return func(a *App) {
		a.sendOpts = opts
	}
}

// New builds the chat app around a configured API client.
func New(client *assistant.Client, opts ...Option) *App {
	input := textarea.New()
	input.Placeholder = "Type a message..."
	input.Prompt = "❯ "
	input.ShowLineNumbers = false
	input.CharLimit = 0
	input.MaxHeight = 6
	input.SetHeight(2)
	input.SetWidth(80)
	input.FocusedStyle.Prompt = lipgloss.NewStyle().Foreground(lipgloss.Color("#B39DDB"))
	input.FocusedStyle.Placeholder = hintStyle
	input.FocusedStyle.CursorLine = lipgloss.NewStyle()
	input.BlurredStyle.Placeholder = hintStyle
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#B39DDB"))

	a := &App{
		viewport: viewport.New(80, 20),
		input:    input,
		spinner:  sp,
	}
	a.ctrl = assistant.NewController(client, assistant.WithOnUpdate(func() {
		// Posted from the stream goroutine; Send is safe from any goroutine.
		if p := a.program; p != nil {
			p.Send(refreshMsg{})
		}
	}))
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run starts the program and blocks until the user quits. A non-empty
// conversationID resumes that conversation's history first.
func (a *App) Run(ctx context.Context, conversationID string) error {
	if conversationID != "" {
		if err := a.ctrl.LoadConversation(ctx, conversationID); err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}
	} else {
		a.ctrl.StartNewConversation()
	}

	a.program = tea.NewProgram(a, tea.WithAltScreen())
	_, err := a.program.Run()
	return err
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, a.spinner.Tick)
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.layout()
		a.ready = true
		a.syncViewport()
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		if a.ctrl.IsStreaming() {
			a.syncViewport()
		}
		return a, cmd

	case refreshMsg, streamDoneMsg, confirmDoneMsg:
		a.syncViewport()
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		return a, tea.Quit
	}

	// A pending confirmation owns the keyboard until decided.
	if a.ctrl.PendingConfirmation() != nil {
		switch msg.String() {
		case "y", "Y", "enter":
			return a, a.confirmCmd(assistant.DecisionConfirm)
		case "n", "N", "esc":
			return a, a.confirmCmd(assistant.DecisionCancel)
		}
		return a, nil
	}

	switch msg.Type {
	case tea.KeyEsc:
		if a.ctrl.IsStreaming() {
			a.ctrl.CancelStream()
			return a, nil
		}
		return a, tea.Quit

	case tea.KeyCtrlN:
		a.ctrl.StartNewConversation()
		a.syncViewport()
		return a, nil

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd

	case tea.KeyEnter:
		if msg.Alt {
			a.input.InsertString("\n")
			return a, nil
		}
		text := strings.TrimSpace(a.input.Value())
		if text == "" || a.ctrl.IsStreaming() {
			return a, nil
		}
		a.input.Reset()
		return a, tea.Batch(a.sendCmd(text), a.spinner.Tick)
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

// sendCmd runs the blocking send off the UI goroutine. Progress arrives as
// refreshMsg from the controller's OnUpdate hook while this runs.
func (a *App) sendCmd(text string) tea.Cmd {
	return func() tea.Msg {
		// Errors land in the controller state and render in the transcript.
		_ = a.ctrl.SendMessage(context.Background(), text, a.sendOpts...)
		return streamDoneMsg{}
	}
}

func (a *App) confirmCmd(decision assistant.Decision) tea.Cmd {
	return func() tea.Msg {
		_ = a.ctrl.ConfirmAction(context.Background(), decision, nil)
		return confirmDoneMsg{}
	}
}

// layout resizes the panes and rebuilds the markdown renderer for the new
// wrap width.
func (a *App) layout() {
	chatHeight := a.height - inputHeight() - statusBarHeight()
	if chatHeight < 3 {
		chatHeight = 3
	}
	a.viewport.Width = a.width
	a.viewport.Height = chatHeight

	inputWidth := a.width - 4
	if inputWidth < 20 {
		inputWidth = 20
	}
	a.input.SetWidth(inputWidth)

	glamourStyle := "dark"
	if !lipgloss.HasDarkBackground() {
		glamourStyle = "light"
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStylePath(glamourStyle),
		glamour.WithWordWrap(min(a.width-6, maxChatWidth)),
	)
	if err == nil {
		a.renderer = renderer
	}
}

func (a *App) syncViewport() {
	if !a.ready {
		return
	}
	a.viewport.SetContent(a.renderConversation())
	a.viewport.GotoBottom()
}

func inputHeight() int { return 4 }

func statusBarHeight() int { return 2 }
