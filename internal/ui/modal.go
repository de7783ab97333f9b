package ui

import "github.com/rivo/tview"

// showError pops a dismissible alert over the current page. Must be called
// from the UI goroutine.
func (a *App) showError(message string) {
	modal := tview.NewModal()
	modal.SetText(message)
	modal.AddButtons([]string{"OK"})
	modal.SetDoneFunc(func(_ int, _ string) {
		a.pages.RemovePage("error")
	})

	a.pages.AddPage("error", modal, true, true)
	a.app.SetFocus(modal)
}
