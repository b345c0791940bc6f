// Package notify provides desktop notification support.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Notifier raises a user-visible notification.
type Notifier interface {
	Notify(title, message string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(title, message string) error

func (f NotifierFunc) Notify(title, message string) error { return f(title, message) }

// Desktop sends notifications through osascript on macOS and notify-send elsewhere.
type Desktop struct {
	goos string
	run  func(name string, args ...string) ([]byte, error)
}

func NewDesktop() *Desktop {
	return &Desktop{goos: runtime.GOOS, run: combinedOutput}
}

func combinedOutput(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// Command returns the program and arguments that would show the notification.
func (d *Desktop) Command(title, message string) (string, []string) {
	if d.goos == "darwin" {
		script := fmt.Sprintf(
			`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title),
		)
		return "osascript", []string{"-e", script}
	}
	return "notify-send", []string{"--app-name=taskvault", title, message}
}

func (d *Desktop) Notify(title, message string) error {
	name, args := d.Command(title, message)
	if out, err := d.run(name, args...); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
