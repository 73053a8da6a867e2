package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier pops up a local notification via osascript or notify-send
type DesktopNotifier struct {
	enabled bool
	goos    string
	run     func(name string, args ...string) error
}

// NewDesktopNotifier creates a new desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{
		enabled: enabled,
		goos:    runtime.GOOS,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// Send shows n on the desktop. Unsupported platforms are a no-op.
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}

	title := n.Title
	if n.TaskID != "" {
		title += " (" + n.TaskID + ")"
	}

	switch d.goos {
	case "darwin":
		script := `display notification "` + appleQuote(n.Body()) + `" with title "` + appleQuote(title) + `"`
		return d.run("osascript", "-e", script)
	case "linux":
		return d.run("notify-send", "--icon", IconForType(n.Type), "--urgency", urgencyForType(n.Type), title, n.Body())
	default:
		return nil
	}
}

// IconForType returns an icon name for the notification type
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}

func urgencyForType(t NotificationType) string {
	if t == NotifyError {
		return "critical"
	}
	return "normal"
}

func appleQuote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
