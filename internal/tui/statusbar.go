package tui

import (
	"fmt"
	"sync"
	"time"

	"github.com/rivo/tview"
)

// Flash holds a transient notice with an expiry.
type Flash struct {
	mu      sync.Mutex
	message string
	expires time.Time
}

// Set replaces the notice and arms its expiry.
func (f *Flash) Set(message string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = message
	f.expires = time.Now().Add(d)
}

// Get returns the notice, or "" once it has expired.
func (f *Flash) Get() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.message == "" || time.Now().After(f.expires) {
		return ""
	}
	return f.message
}

// StatusBar is the single-line footer with profile, connection and
// sharing state. Render is only called from the UI goroutine; the
// flash is safe to set from anywhere.
type StatusBar struct {
	*tview.TextView
	theme    *Theme
	flash    Flash
	profile  string
	state    string
	username string
	sharing  bool
}

// NewStatusBar creates the footer.
func NewStatusBar(theme *Theme) *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	tv.SetBackgroundColor(theme.BgColor)

	return &StatusBar{TextView: tv, theme: theme}
}

// SetProfile records the profile name shown on the left.
func (sb *StatusBar) SetProfile(profile string) {
	sb.profile = profile
}

// SetState records the connection state and the signed-in username.
func (sb *StatusBar) SetState(state, username string) {
	sb.state = state
	sb.username = username
}

// SetSharing records whether position sharing is enabled.
func (sb *StatusBar) SetSharing(enabled bool) {
	sb.sharing = enabled
}

// FlashMessage shows a transient notice for d.
func (sb *StatusBar) FlashMessage(message string, d time.Duration) {
	sb.flash.Set(message, d)
}

// Render redraws the footer line.
func (sb *StatusBar) Render() {
	who := sb.state
	if sb.username != "" {
		who = fmt.Sprintf("%s as %s", sb.state, tview.Escape(sanitizeForTerminal(sb.username)))
	}

	share := "[gray]sharing off[-]"
	if sb.sharing {
		share = "[green]sharing on[-]"
	}

	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s | %s | %s",
		tview.Escape(sb.profile),
		who,
		share,
		time.Now().Format("15:04"))

	if msg := sb.flash.Get(); msg != "" {
		line += fmt.Sprintf(" | [yellow]%s[-]", tview.Escape(sanitizeForTerminal(msg)))
	}

	sb.SetText(line)
}
