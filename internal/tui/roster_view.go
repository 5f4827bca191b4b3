package tui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/presence"
)

// RosterView lists the other pilgrims currently sharing their position.
type RosterView struct {
	*tview.Table
	theme   *Theme
	entries []presence.Entry
}

// NewRosterView creates the roster table.
func NewRosterView(theme *Theme) *RosterView {
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
	table.SetTitle(" Pilgrims ")
	table.SetTitleColor(theme.TitleColor)

	return &RosterView{Table: table, theme: theme}
}

// Update refreshes the table from a roster snapshot.
func (rv *RosterView) Update(entries []presence.Entry, asOf time.Time) {
	rv.entries = entries
	rv.Clear()

	headers := []struct {
		text string
		exp  int
	}{
		{" PILGRIM", 1},
		{" POSITION", 1},
		{" UPDATED", 0},
	}
	for col, h := range headers {
		rv.SetCell(0, col, tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(rv.theme.TableHeaderFg).
			SetBackgroundColor(rv.theme.TableHeaderBg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp))
	}

	for i, e := range rv.entries {
		name := e.Username
		if name == "" {
			name = e.UserID
		}
		row := i + 1
		rv.SetCell(row, 0, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(name))).
			SetExpansion(1).SetTextColor(rv.theme.FgColor))
		rv.SetCell(row, 1, tview.NewTableCell(fmt.Sprintf(" %.5f, %.5f", e.Latitude, e.Longitude)).
			SetExpansion(1).SetTextColor(rv.theme.FgColor))
		rv.SetCell(row, 2, tview.NewTableCell(formatTimestamp(e.Timestamp)).
			SetTextColor(rv.theme.FgColor).SetAlign(tview.AlignRight))
	}

	if asOf.IsZero() {
		rv.SetTitle(" Pilgrims ")
		return
	}
	rv.SetTitle(fmt.Sprintf(" Pilgrims (%d) as of %s ", len(rv.entries), asOf.Format("15:04:05")))
}

// SelectedUser returns the user id of the highlighted row.
func (rv *RosterView) SelectedUser() string {
	row, _ := rv.GetSelection()
	idx := row - 1
	if idx < 0 || idx >= len(rv.entries) {
		return ""
	}
	return rv.entries[idx].UserID
}
