package tui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/store"
)

// Thread shows a single conversation with a composer at the bottom.
type Thread struct {
	*tview.Flex
	theme    *Theme
	messages *tview.TextView
	composer *tview.InputField
	peerID   string
	peerName string
	onSend   func(text string)
}

// NewThread creates the message thread view.
func NewThread(theme *Theme) *Thread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetWordWrap(true).
		SetScrollable(true)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetTitleColor(theme.TitleColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetLabelColor(theme.MenuKeyColor).
		SetFieldBackgroundColor(theme.BgColor).
		SetFieldTextColor(theme.FgColor)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)

	t := &Thread{
		theme:    theme,
		messages: messages,
		composer: composer,
	}

	composer.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := composer.GetText()
		if text == "" {
			return
		}
		composer.SetText("")
		if t.onSend != nil {
			t.onSend(text)
		}
	})

	t.Flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, false).
		AddItem(composer, 3, 0, true)

	return t
}

// SetOnSend registers the callback invoked when the composer submits.
func (t *Thread) SetOnSend(fn func(text string)) {
	t.onSend = fn
}

// SetPeer points the view at a conversation partner.
func (t *Thread) SetPeer(peerID, displayName string) {
	t.peerID = peerID
	t.peerName = displayName
	if displayName == "" {
		t.peerName = peerID
	}
	t.messages.SetTitle(fmt.Sprintf(" %s ", tview.Escape(sanitizeForTerminal(t.peerName))))
}

// PeerID returns the id of the currently open conversation partner.
func (t *Thread) PeerID() string {
	return t.peerID
}

// Composer returns the input field, for focus handling.
func (t *Thread) Composer() *tview.InputField {
	return t.composer
}

// Messages returns the scrollable history, for focus handling.
func (t *Thread) Messages() *tview.TextView {
	return t.messages
}

// Update re-renders the history. msgs arrives newest first and is
// displayed oldest first.
func (t *Thread) Update(selfID string, msgs []store.Message) {
	t.messages.Clear()

	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		mine := m.SenderID == selfID

		name := t.peerName
		if mine {
			name = "You"
		}
		when := formatTimestamp(m.SentAt)
		marker := ""
		if mine {
			marker = " " + statusMarker(m.Status)
		}

		fmt.Fprintf(t.messages, "[::b]%s[-:-:-] [::d]%s%s[-:-:-]\n%s\n\n",
			tview.Escape(sanitizeForTerminal(name)),
			when,
			marker,
			tview.Escape(sanitizeForTerminal(m.Body)))
	}

	t.messages.ScrollToEnd()
}

func statusMarker(st store.MessageStatus) string {
	switch st {
	case store.StatusSent:
		return "[gray]✓[-]"
	case store.StatusDelivered:
		return "✓✓"
	case store.StatusSeen:
		return "[aqua]✓✓[-]"
	case store.StatusFailed:
		return "[orangered]✗ failed[-]"
	default:
		return ""
	}
}
