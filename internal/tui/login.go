package tui

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// LoginView prompts for an access token when no credential is cached.
type LoginView struct {
	*tview.Flex
	message  *tview.TextView
	token    *tview.InputField
	onSubmit func(token string)
}

// NewLoginView creates the sign-in page.
func NewLoginView(theme *Theme) *LoginView {
	message := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	message.SetBackgroundColor(theme.BgColor)
	message.SetText("\nNo cached credentials for this profile.\n\nPaste the access token issued by the PeregrinApp server and press Enter.")

	token := tview.NewInputField().
		SetLabel(" Token: ").
		SetLabelColor(theme.MenuKeyColor).
		SetFieldBackgroundColor(theme.BgColor).
		SetFieldTextColor(theme.FgColor).
		SetMaskCharacter('*')
	token.SetBorder(true)
	token.SetBorderColor(theme.BorderColor)
	token.SetBackgroundColor(theme.BgColor)
	token.SetTitle(" Sign In ")
	token.SetTitleColor(theme.TitleColor)

	lv := &LoginView{
		message: message,
		token:   token,
	}

	token.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := token.GetText()
		if text == "" {
			return
		}
		token.SetText("")
		if lv.onSubmit != nil {
			lv.onSubmit(text)
		}
	})

	lv.Flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(message, 0, 1, false).
		AddItem(token, 3, 0, true).
		AddItem(tview.NewBox().SetBackgroundColor(theme.BgColor), 0, 1, false)

	return lv
}

// SetOnSubmit registers the callback invoked with the pasted token.
func (lv *LoginView) SetOnSubmit(fn func(token string)) {
	lv.onSubmit = fn
}

// Token returns the input field, for focus handling.
func (lv *LoginView) Token() *tview.InputField {
	return lv.token
}

// ShowMessage replaces the instruction text.
func (lv *LoginView) ShowMessage(text string) {
	lv.message.SetText(text)
}
