package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/claude-task-queue/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205"))

	headerStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("255"))

	activeStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	passedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	failedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))
)

func statusStyle(s domain.Status) lipgloss.Style {
	switch s {
	case domain.StatusPassed:
		return passedStyle
	case domain.StatusFailed, domain.StatusExhausted, domain.StatusEscalated:
		return failedStyle
	case domain.StatusClaimed, domain.StatusRunning, domain.StatusInQA, domain.StatusRetry:
		return activeStyle
	case domain.StatusPending:
		return dimmedStyle
	default:
		return lipgloss.NewStyle()
	}
}

func verdictStyle(v domain.EvaluationVerdict) lipgloss.Style {
	switch v {
	case domain.EvalPass:
		return passedStyle
	case domain.EvalEscalate:
		return failedStyle
	default:
		return activeStyle
	}
}
