package notify

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/gen2brain/beeep"
)

type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

var ErrPermissionDenied = errors.New("desktop notifications not permitted")

// DesktopNotifier shows OS-level notification popups.
type DesktopNotifier interface {
	Permission() Permission
	RequestPermission() Permission
	Show(title, body string) error
}

// SystemNotifier shows popups through the platform notification service
// (D-Bus on Linux, Notification Center on macOS, toasts on Windows).
// Permission is granted when a desktop session is reachable.
type SystemNotifier struct {
	available func() bool
	notify    func(title, body string) error

	mu   sync.Mutex
	perm Permission
}

func NewSystemNotifier() *SystemNotifier {
	return &SystemNotifier{
		available: hasDesktopSession,
		notify: func(title, body string) error {
			return beeep.Notify(title, body, "")
		},
		perm: PermissionDefault,
	}
}

func hasDesktopSession() bool {
	if runtime.GOOS != "linux" {
		return true
	}
	for _, env := range []string{"DBUS_SESSION_BUS_ADDRESS", "DISPLAY", "WAYLAND_DISPLAY"} {
		if os.Getenv(env) != "" {
			return true
		}
	}
	return false
}

func (n *SystemNotifier) Permission() Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.perm
}

func (n *SystemNotifier) RequestPermission() Permission {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.available() {
		n.perm = PermissionGranted
	} else {
		n.perm = PermissionDenied
	}
	return n.perm
}

func (n *SystemNotifier) Show(title, body string) error {
	if n.Permission() != PermissionGranted {
		return ErrPermissionDenied
	}

	if err := n.notify(title, body); err != nil {
		return fmt.Errorf("show notification: %w", err)
	}
	return nil
}
