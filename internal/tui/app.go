package tui

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/bus"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/chat"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/conn"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/daemon"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/presence"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/session"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/status"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/store"
)

const (
	pageConversations = "conversations"
	pageThread        = "thread"
	pageRoster        = "roster"
	pageSearch        = "search"
	pageLogin         = "login"
)

const refreshInterval = 2 * time.Second

// Deps are the engine handles the terminal shell drives. All of them
// come from the same running daemon module.
type Deps struct {
	Profile string
	Engine  *chat.Engine
	Loop    *presence.Loop
	Roster  *presence.Roster
	Manager *conn.Manager
	Machine *status.Machine
	Creds   *session.Credentials
	Sup     *daemon.Supervisor
	Bus     *bus.Bus
}

// App is the terminal user interface.
type App struct {
	deps  Deps
	theme *Theme

	app   *tview.Application
	pages *tview.Pages

	convList  *ConversationList
	thread    *Thread
	roster    *RosterView
	search    *SearchView
	login     *LoginView
	statusBar *StatusBar

	mu          sync.Mutex
	currentPeer string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp wires the views and key bindings.
func NewApp(d Deps) *App {
	ctx, cancel := context.WithCancel(context.Background())

	theme := DefaultTheme()
	a := &App{
		deps:   d,
		theme:  theme,
		app:    tview.NewApplication(),
		pages:  tview.NewPages(),
		ctx:    ctx,
		cancel: cancel,
	}

	a.convList = NewConversationList(theme)
	a.thread = NewThread(theme)
	a.roster = NewRosterView(theme)
	a.search = NewSearchView(theme)
	a.login = NewLoginView(theme)
	a.statusBar = NewStatusBar(theme)

	a.setupCallbacks()
	a.setupLayout()
	a.setupBindings()

	return a
}

func (a *App) setupCallbacks() {
	a.convList.SetSelectedFunc(func(row, col int) {
		a.openConversation(a.convList.SelectedPeer())
	})

	a.roster.SetSelectedFunc(func(row, col int) {
		a.openConversation(a.roster.SelectedUser())
	})

	a.thread.SetOnSend(func(text string) {
		peer := a.thread.PeerID()
		if peer == "" {
			return
		}
		go func() {
			a.deps.Engine.Send(a.ctx, peer, text)
			a.loadThread(peer, false)
		}()
	})

	a.search.SetOnQuery(func(query string) {
		go func() {
			hits := a.deps.Engine.SearchMessages(query, "", 50)
			self := a.deps.Engine.Self()
			a.app.QueueUpdateDraw(func() {
				a.search.Update(hits, func(userID string) string {
					if userID == self {
						return "You"
					}
					return a.convList.DisplayName(userID)
				})
			})
		}()
	})

	a.login.SetOnSubmit(a.signIn)
}

func (a *App) setupLayout() {
	a.pages.AddPage(pageConversations, a.convList, true, true)
	a.pages.AddPage(pageThread, a.thread, true, false)
	a.pages.AddPage(pageRoster, a.roster, true, false)
	a.pages.AddPage(pageSearch, a.search, true, false)
	a.pages.AddPage(pageLogin, a.login, true, false)

	hints := tview.NewTextView().SetDynamicColors(true)
	hints.SetBackgroundColor(a.theme.BgColor)
	hints.SetText(" [goldenrod::b]q[-:-:-] quit  [goldenrod::b]r[-:-:-] pilgrims  [goldenrod::b]/[-:-:-] search  [goldenrod::b]s[-:-:-] share  [goldenrod::b]i[-:-:-] compose  [goldenrod::b]Esc[-:-:-] back")

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(hints, 1, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true)
}

func (a *App) setupBindings() {
	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		page, _ := a.pages.GetFrontPage()

		// Input fields own the keyboard except for Escape.
		if _, ok := a.app.GetFocus().(*tview.InputField); ok {
			if event.Key() == tcell.KeyEscape {
				if page == pageThread {
					a.app.SetFocus(a.thread.Messages())
				} else {
					a.showConversations()
				}
				return nil
			}
			return event
		}

		if event.Key() == tcell.KeyEscape {
			if page != pageConversations {
				a.showConversations()
			}
			return nil
		}

		switch event.Rune() {
		case 'q':
			a.Stop()
			return nil
		case 'i':
			if page == pageThread {
				a.app.SetFocus(a.thread.Composer())
				return nil
			}
		case 'r':
			a.pages.SwitchToPage(pageRoster)
			a.app.SetFocus(a.roster)
			return nil
		case '/':
			a.pages.SwitchToPage(pageSearch)
			a.app.SetFocus(a.search.Input())
			return nil
		case 's':
			a.toggleSharing()
			return nil
		}
		return event
	})
}

func (a *App) showConversations() {
	a.mu.Lock()
	a.currentPeer = ""
	a.mu.Unlock()
	a.pages.SwitchToPage(pageConversations)
	a.app.SetFocus(a.convList)
}

// openConversation switches to the thread page and marks the history
// read. Peer messages still pending a read receipt get one.
func (a *App) openConversation(peerID string) {
	if peerID == "" {
		return
	}
	a.mu.Lock()
	a.currentPeer = peerID
	a.mu.Unlock()

	name := a.convList.DisplayName(peerID)
	if name == peerID {
		// No conversation yet; the roster may still know the username.
		entries, _ := a.deps.Roster.Snapshot()
		for _, e := range entries {
			if e.UserID == peerID && e.Username != "" {
				name = e.Username
				break
			}
		}
	}

	a.thread.SetPeer(peerID, name)
	a.pages.SwitchToPage(pageThread)
	a.app.SetFocus(a.thread.Composer())

	go a.loadThread(peerID, true)
}

func (a *App) loadThread(peerID string, markRead bool) {
	self := a.deps.Engine.Self()
	msgs := a.deps.Engine.ListMessages(peerID, 0, 200)

	if markRead {
		a.deps.Engine.MarkConversationRead(peerID)
		for i := len(msgs) - 1; i >= 0; i-- {
			m := msgs[i]
			if m.SenderID == peerID && m.Status != store.StatusSeen {
				a.deps.Engine.MarkSeen(a.ctx, m.MsgID, peerID)
			}
		}
		msgs = a.deps.Engine.ListMessages(peerID, 0, 200)
	}

	a.app.QueueUpdateDraw(func() {
		a.thread.Update(self, msgs)
	})
}

func (a *App) toggleSharing() {
	enabled := a.deps.Loop.Status().Enabled
	go func() {
		if enabled {
			a.deps.Loop.Disable()
			a.statusBar.FlashMessage("position sharing disabled", 3*time.Second)
		} else {
			a.deps.Loop.Enable()
			a.statusBar.FlashMessage("position sharing enabled", 3*time.Second)
		}
		a.refresh()
	}()
}

func (a *App) signIn(token string) {
	go func() {
		if err := a.deps.Creds.Save(token); err != nil {
			a.statusBar.FlashMessage(fmt.Sprintf("could not save token: %v", err), 5*time.Second)
			a.refresh()
			return
		}
		a.deps.Sup.ConnectNow()
		a.statusBar.FlashMessage("connecting", 3*time.Second)
		a.app.QueueUpdateDraw(func() {
			a.showConversations()
		})
		a.refresh()
	}()
}

// refresh reloads every view from the engines. Only called from
// goroutines outside the UI loop.
func (a *App) refresh() {
	convs := a.deps.Engine.ListConversations(100)
	entries, asOf := a.deps.Roster.Snapshot()
	state := string(a.deps.Machine.Current())
	sess := a.deps.Manager.Session()
	sharing := a.deps.Loop.Status().Enabled

	a.mu.Lock()
	peer := a.currentPeer
	a.mu.Unlock()

	var self string
	var msgs []store.Message
	if peer != "" {
		self = a.deps.Engine.Self()
		msgs = a.deps.Engine.ListMessages(peer, 0, 200)
	}

	a.app.QueueUpdateDraw(func() {
		a.convList.Update(convs)
		a.roster.Update(entries, asOf)
		if peer != "" {
			a.thread.Update(self, msgs)
		}
		a.statusBar.SetState(state, sess.Username)
		a.statusBar.SetSharing(sharing)
		a.statusBar.Render()
	})
}

func (a *App) startRefreshLoop() {
	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-ticker.C:
				a.refresh()
			}
		}
	}()
}

func (a *App) startEventLoop() {
	ch, unsub := a.deps.Bus.Subscribe("", 128)
	go func() {
		defer unsub()
		for {
			select {
			case <-a.ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				// coalesce bursts into one redraw
			drain:
				for {
					select {
					case <-ch:
					default:
						break drain
					}
				}
				a.refresh()
			}
		}
	}()
}

// Run blocks until the user quits.
func (a *App) Run() error {
	token, _ := a.deps.Creds.Token()
	if token == "" {
		a.pages.SwitchToPage(pageLogin)
		a.app.SetFocus(a.login.Token())
	}

	a.statusBar.SetProfile(a.deps.Profile)
	a.statusBar.SetState(string(a.deps.Machine.Current()), "")
	a.statusBar.Render()

	go a.refresh()
	a.startRefreshLoop()
	a.startEventLoop()

	return a.app.Run()
}

// Stop terminates the UI loop.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
