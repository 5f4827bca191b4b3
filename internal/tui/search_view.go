package tui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/store"
)

// SearchView is a full-text search box with a results table.
type SearchView struct {
	*tview.Flex
	theme   *Theme
	input   *tview.InputField
	results *tview.Table
	onQuery func(query string)
}

// NewSearchView creates the search page.
func NewSearchView(theme *Theme) *SearchView {
	input := tview.NewInputField().
		SetLabel(" Search: ").
		SetLabelColor(theme.MenuKeyColor).
		SetFieldBackgroundColor(theme.BgColor).
		SetFieldTextColor(theme.FgColor)
	input.SetBorder(true)
	input.SetBorderColor(theme.BorderColor)
	input.SetBackgroundColor(theme.BgColor)

	results := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	results.SetBorder(true)
	results.SetBorderColor(theme.BorderColor)
	results.SetBackgroundColor(theme.BgColor)
	results.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	results.SetTitle(" Results ")
	results.SetTitleColor(theme.TitleColor)

	sv := &SearchView{
		theme:   theme,
		input:   input,
		results: results,
	}

	input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		q := input.GetText()
		if q == "" {
			return
		}
		if sv.onQuery != nil {
			sv.onQuery(q)
		}
	})

	sv.Flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(input, 3, 0, true).
		AddItem(results, 0, 1, false)

	return sv
}

// SetOnQuery registers the callback invoked when a query is submitted.
func (sv *SearchView) SetOnQuery(fn func(query string)) {
	sv.onQuery = fn
}

// Input returns the query field, for focus handling.
func (sv *SearchView) Input() *tview.InputField {
	return sv.input
}

// Update fills the results table. name resolves a sender id to a
// display name.
func (sv *SearchView) Update(hits []store.SearchResult, name func(userID string) string) {
	sv.results.Clear()

	headers := []struct {
		text string
		exp  int
	}{
		{" FROM", 0},
		{" WHEN", 0},
		{" MATCH", 1},
	}
	for col, h := range headers {
		sv.results.SetCell(0, col, tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(sv.theme.TableHeaderFg).
			SetBackgroundColor(sv.theme.TableHeaderBg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp))
	}

	for i, hit := range hits {
		row := i + 1
		sv.results.SetCell(row, 0, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(name(hit.Message.SenderID)))).
			SetTextColor(sv.theme.FgColor))
		sv.results.SetCell(row, 1, tview.NewTableCell(formatTimestamp(hit.Message.SentAt)).
			SetTextColor(sv.theme.FgColor))
		sv.results.SetCell(row, 2, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(hit.Snippet))).
			SetExpansion(1).SetTextColor(sv.theme.FgColor))
	}

	sv.results.SetTitle(fmt.Sprintf(" Results (%d) ", len(hits)))
}
