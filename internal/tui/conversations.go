package tui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/store"
)

// ConversationList is the conversation overview table.
type ConversationList struct {
	*tview.Table
	theme *Theme
	convs []store.Conversation
}

// NewConversationList creates the conversation list table.
func NewConversationList(theme *Theme) *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true)
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	table.SetTitle(" Conversations ")
	table.SetTitleColor(theme.TitleColor)

	return &ConversationList{Table: table, theme: theme}
}

// Update refreshes the table with new summaries.
func (cl *ConversationList) Update(convs []store.Conversation) {
	cl.convs = convs
	cl.render()
}

func (cl *ConversationList) render() {
	cl.Clear()

	headers := []struct {
		text string
		exp  int
	}{
		{" PILGRIM", 1},
		{" LAST MESSAGE", 2},
		{" TIME", 0},
	}
	for col, h := range headers {
		cl.SetCell(0, col, tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(cl.theme.TableHeaderFg).
			SetBackgroundColor(cl.theme.TableHeaderBg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp))
	}

	for i, conv := range cl.convs {
		name := conv.DisplayName
		if name == "" {
			name = conv.PeerID
		}
		if conv.UnreadCount > 0 {
			name = fmt.Sprintf("(%d) %s", conv.UnreadCount, name)
		}
		row := i + 1
		cl.SetCell(row, 0, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(name))).
			SetExpansion(1).SetTextColor(cl.theme.FgColor))
		cl.SetCell(row, 1, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(conv.LastMessageBody))).
			SetExpansion(2).SetTextColor(cl.theme.FgColor))
		cl.SetCell(row, 2, tview.NewTableCell(formatTimestamp(conv.LastMessageAt)).
			SetTextColor(cl.theme.FgColor).SetAlign(tview.AlignRight))
	}
	cl.SetTitle(fmt.Sprintf(" Conversations (%d) ", len(cl.convs)))
}

// SelectedPeer returns the peer id of the highlighted row.
func (cl *ConversationList) SelectedPeer() string {
	row, _ := cl.GetSelection()
	idx := row - 1 // header row
	if idx < 0 || idx >= len(cl.convs) {
		return ""
	}
	return cl.convs[idx].PeerID
}

// DisplayName returns the known name for peerID, or the id itself.
func (cl *ConversationList) DisplayName(peerID string) string {
	for _, c := range cl.convs {
		if c.PeerID == peerID && c.DisplayName != "" {
			return c.DisplayName
		}
	}
	return peerID
}

func formatTimestamp(ms int64) string {
	if ms == 0 {
		return ""
	}
	t := time.UnixMilli(ms)
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}
