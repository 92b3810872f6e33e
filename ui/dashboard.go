// Package ui renders the terminal dashboard: a status panel mirroring the
// scan session state and a scrollable history of captured tags. All mutation
// happens through session snapshots; the dashboard never reaches into the
// session beyond the toggle callback.
package ui

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"nfcscan/scanlog"
	"nfcscan/session"
)

const (
	accentTag   = "[#ff69b4]"
	accentReset = "[-]"
)

var (
	uiBorderColor = tcell.ColorGray
	uiTitleColor  = tcell.ColorHotPink
)

// Dashboard is the tview front end. Keybindings: Space/Enter toggles the
// scan, F1 or ? shows help, q or Ctrl+C quits.
type Dashboard struct {
	app     *tview.Application
	pages   *tview.Pages
	status  *tview.TextView
	history *tview.TextView
	footer  *tview.TextView

	ready chan struct{}

	mu        sync.Mutex
	snapshot  session.Snapshot
	helpShown bool

	onToggle func()
	onQuit   func()
}

// NewDashboard builds the dashboard and starts the tview event loop on its
// own goroutine. The screen parameter is non-nil only in tests.
func NewDashboard(screen tcell.Screen) *Dashboard {
	app := tview.NewApplication()
	if screen != nil {
		app.SetScreen(screen)
	}

	ready := make(chan struct{})
	var once sync.Once
	app.SetBeforeDrawFunc(func(tcell.Screen) bool {
		once.Do(func() { close(ready) })
		return false
	})

	d := &Dashboard{
		app:     app,
		pages:   tview.NewPages(),
		status:  newBoxedTextView("Scanner"),
		history: newBoxedTextView("Scan History"),
		footer:  buildFooter(),
		ready:   ready,
	}
	d.history.SetScrollable(true)
	d.seedPlaceholders()

	main := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(d.status, 4, 0, false).
		AddItem(d.history, 0, 1, true).
		AddItem(d.footer, 1, 0, false)
	d.pages.AddPage("main", main, true, true)
	d.pages.AddPage("help", buildHelpOverlay(), true, false)

	d.installKeybindings()
	app.SetRoot(d.pages, true)

	go func() {
		if err := app.Run(); err != nil {
			log.Printf("UI: tview error: %v", err)
		}
	}()

	return d
}

// SetOnToggle registers the scan toggle callback.
func (d *Dashboard) SetOnToggle(fn func()) { d.onToggle = fn }

// SetOnQuit registers the quit callback, invoked before the app stops.
func (d *Dashboard) SetOnQuit(fn func()) { d.onQuit = fn }

// WaitReady blocks until the first frame has been drawn.
func (d *Dashboard) WaitReady() {
	if d == nil || d.ready == nil {
		return
	}
	<-d.ready
}

// Stop terminates the event loop.
func (d *Dashboard) Stop() {
	if d == nil {
		return
	}
	d.app.Stop()
}

// SetSnapshot renders a new session snapshot. Safe to call from any
// goroutine.
func (d *Dashboard) SetSnapshot(snap session.Snapshot) {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.snapshot = snap
	d.mu.Unlock()

	statusText := d.statusText(snap)
	historyText := historyText(snap.Entries, time.Now())
	d.app.QueueUpdateDraw(func() {
		d.status.SetText(statusText)
		d.history.SetText(historyText)
	})
}

// ShowNotice pops a modal with the given message (reader unavailable and
// similar refusals). Any key dismisses it.
func (d *Dashboard) ShowNotice(message string) {
	if d == nil {
		return
	}
	d.app.QueueUpdateDraw(func() {
		modal := tview.NewModal().
			SetText(message).
			AddButtons([]string{"OK"}).
			SetDoneFunc(func(int, string) {
				d.pages.RemovePage("notice")
			})
		d.pages.AddPage("notice", modal, true, true)
	})
}

func (d *Dashboard) installKeybindings() {
	d.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if name, _ := d.pages.GetFrontPage(); name == "notice" {
			// The modal owns the keyboard until dismissed.
			return event
		}
		if d.helpShown {
			if event.Key() == tcell.KeyEsc || event.Key() == tcell.KeyF1 || event.Rune() == '?' {
				d.toggleHelp(false)
				return nil
			}
		}

		switch event.Key() {
		case tcell.KeyF1:
			d.toggleHelp(!d.helpShown)
			return nil
		case tcell.KeyEnter:
			d.toggle()
			return nil
		case tcell.KeyCtrlC:
			d.quit()
			return nil
		}

		switch event.Rune() {
		case ' ':
			d.toggle()
			return nil
		case '?':
			d.toggleHelp(!d.helpShown)
			return nil
		case 'q', 'Q':
			d.quit()
			return nil
		}
		return event
	})
}

func (d *Dashboard) toggle() {
	if d.onToggle != nil {
		go d.onToggle()
	}
}

func (d *Dashboard) quit() {
	if d.onQuit != nil {
		d.onQuit()
	}
	d.app.Stop()
}

func (d *Dashboard) toggleHelp(show bool) {
	d.helpShown = show
	d.pages.ShowPage("help")
	d.pages.SendToFront("help")
	if !show {
		d.pages.HidePage("help")
	}
}

func (d *Dashboard) statusText(snap session.Snapshot) string {
	return padLines(fmt.Sprintf("[yellow]State[-]: %s\n%s", stateLabel(snap.State), snap.Status))
}

func (d *Dashboard) seedPlaceholders() {
	d.status.SetText(padLines("[yellow]State[-]: --\nChecking reader..."))
	d.history.SetText(padLines("No scans yet."))
}

func stateLabel(state session.State) string {
	switch state {
	case session.StateScanning:
		return "[green]SCANNING[-]"
	case session.StateIdle:
		return "IDLE"
	case session.StateUnavailable:
		return "[red]UNAVAILABLE[-]"
	default:
		return "--"
	}
}

// historyText formats the scan history newest first, one entry per line, with
// a humanized age column.
func historyText(entries []scanlog.Entry, now time.Time) string {
	if len(entries) == 0 {
		return padLines("No scans yet.")
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		age := humanize.RelTime(e.Timestamp, now, "ago", "from now")
		lines = append(lines, fmt.Sprintf("%s  [yellow]%s[-]  %s",
			accentText(e.Timestamp.Local().Format("15:04:05")), age, e.Summary))
	}
	return padLines(strings.Join(lines, "\n"))
}

func newBoxedTextView(title string) *tview.TextView {
	tv := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	tv.SetBorder(true)
	if title != "" {
		tv.SetTitle(accentText(title)).SetTitleAlign(tview.AlignLeft)
	}
	tv.SetBorderColor(uiBorderColor)
	tv.SetTitleColor(uiTitleColor)
	return tv
}

func buildFooter() *tview.TextView {
	return tview.NewTextView().SetDynamicColors(true).SetText(
		accentText("Space") + "Scan  " + accentText("F1") + "Help  [Q]Quit",
	)
}

func buildHelpOverlay() tview.Primitive {
	help := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	help.SetText(strings.TrimSpace(fmt.Sprintf(`
KEYBOARD HELP

  %sSpace / Enter%s  Start or stop a scan
  %sF1 / ?%s         Toggle this help
  %sq / Ctrl+C%s     Quit

HISTORY
  The newest capture is listed first. Only the last 20 scans are kept.
`, accentTag, accentReset, accentTag, accentReset, accentTag, accentReset)))
	help.SetBorder(true).SetTitle("Help")
	help.SetBorderColor(uiBorderColor)
	help.SetTitleColor(uiTitleColor)
	return tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(help, 12, 1, true).
			AddItem(nil, 0, 1, false),
			60, 1, true).
		AddItem(nil, 0, 1, false)
}

func padLines(text string) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line == "" {
			continue
		}
		lines[i] = " " + line
	}
	return strings.Join(lines, "\n")
}

func accentText(text string) string {
	if text == "" {
		return ""
	}
	return accentTag + text + accentReset
}
