package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/relaycrm/assistant-go/assistant"
)

func (a *App) View() string {
	if !a.ready {
		return "\n  starting..."
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		a.viewport.View(),
		inputBoxStyle.Width(a.width-2).Render(a.input.View()),
		a.statusBar(),
	)
}

func (a *App) renderConversation() string {
	msgs := a.ctrl.Messages()
	blocks := make([]string, 0, len(msgs)+4)

	for _, msg := range msgs {
		switch msg.Role {
		case assistant.RoleUser:
			blocks = append(blocks,
				userLabelStyle.Render("You")+"\n"+userMsgStyle.Render(msg.Content))
		case assistant.RoleAssistant:
			blocks = append(blocks,
				assistantLabelStyle.Render("Relay")+"\n"+assistantMsgStyle.Render(a.renderMarkdown(msg.Content)))
		}
	}

	if execs := a.ctrl.ToolExecutions(); len(execs) > 0 {
		lines := make([]string, 0, len(execs))
		for _, exec := range execs {
			lines = append(lines, a.toolLine(exec))
		}
		blocks = append(blocks, strings.Join(lines, "\n"))
	}

	if a.ctrl.IsStreaming() && !lastIsAssistant(msgs) {
		blocks = append(blocks, toolLineStyle.Render(a.spinner.View()+"thinking..."))
	}

	if pending := a.ctrl.PendingConfirmation(); pending != nil {
		blocks = append(blocks, a.renderConfirmation(pending))
	}

	if errEv := a.ctrl.StreamError(); errEv != nil {
		blocks = append(blocks, errorStyle.Render("✗ "+errEv.Message))
	} else if errText := a.ctrl.LastError(); errText != "" {
		blocks = append(blocks, errorStyle.Render("✗ "+errText))
	}

	return strings.Join(blocks, "\n\n") + "\n"
}

// renderMarkdown pretty-prints assistant text, falling back to the raw
// string when glamour cannot render it.
func (a *App) renderMarkdown(content string) string {
	if content == "" {
		if a.ctrl.IsStreaming() {
			return a.spinner.View()
		}
		return ""
	}
	if a.renderer == nil {
		return content
	}
	rendered, err := a.renderer.Render(content)
	if err != nil || strings.TrimSpace(rendered) == "" {
		return content
	}
	return strings.TrimSpace(rendered)
}

func (a *App) toolLine(exec assistant.ToolExecution) string {
	var icon string
	switch exec.Status {
	case assistant.ToolExecutionSuccess:
		icon = "✓"
	case assistant.ToolExecutionError:
		icon = "✗"
	case assistant.ToolExecutionExecuting:
		icon = strings.TrimSpace(a.spinner.View())
	default:
		icon = "·"
	}

	line := fmt.Sprintf("%s %s", icon, exec.Name)
	if exec.ExecutionTimeMs > 0 {
		line += fmt.Sprintf(" · %dms", exec.ExecutionTimeMs)
	}
	if exec.Error != "" {
		line += " · " + exec.Error
	}
	return toolLineStyle.Render(line)
}

func (a *App) renderConfirmation(pending *assistant.ConfirmationEvent) string {
	var impact string
	switch pending.Impact {
	case assistant.ImpactHigh:
		impact = impactHighStyle.Render("high impact")
	case assistant.ImpactMedium:
		impact = impactMediumStyle.Render("medium impact")
	default:
		impact = impactLowStyle.Render("low impact")
	}

	lines := []string{
		confirmTitleStyle.Render("⚠ Confirmation required") + "  " + impact,
		pending.Description,
		hintStyle.Render("[y] approve   [n] cancel"),
	}

	width := a.width - 4
	if width > maxChatWidth {
		width = maxChatWidth
	}
	return confirmPanelStyle.Width(width).Render(strings.Join(lines, "\n"))
}

func (a *App) statusBar() string {
	left := a.statusIndicator()
	if model, provider := a.ctrl.ModelInfo(); model != "" {
		left += hintStyle.Render("  "+model) + hintStyle.Render(" · "+provider)
	}
	if tokens := a.ctrl.TokenCount(); tokens > 0 {
		left += hintStyle.Render(fmt.Sprintf("  %d tokens", tokens))
	}

	right := a.keyHints()

	spacing := a.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if spacing < 1 {
		spacing = 1
	}
	bar := lipgloss.JoinHorizontal(lipgloss.Top, left, strings.Repeat(" ", spacing), right)
	return statusBarStyle.Width(a.width).Render(bar)
}

func (a *App) statusIndicator() string {
	status := a.ctrl.Status()
	switch status {
	case assistant.StatusConnecting, assistant.StatusStreaming, assistant.StatusToolCalling:
		return statusKeyStyle.Render(strings.TrimSpace(a.spinner.View()) + " " + string(status))
	case assistant.StatusConfirming:
		return confirmTitleStyle.Render("⚠ " + string(status))
	case assistant.StatusError:
		return errorStyle.Render("✗ " + string(status))
	default:
		return statusKeyStyle.Render("● " + string(status))
	}
}

func (a *App) keyHints() string {
	if a.ctrl.PendingConfirmation() != nil {
		return hintStyle.Render("y approve · n cancel")
	}
	if a.ctrl.IsStreaming() {
		return hintStyle.Render("esc cancel · ctrl+c quit")
	}
	return hintStyle.Render("↵ send · ctrl+n new · esc quit")
}

func lastIsAssistant(msgs []assistant.Message) bool {
	return len(msgs) > 0 && msgs[len(msgs)-1].Role == assistant.RoleAssistant
}
