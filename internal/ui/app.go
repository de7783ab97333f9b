// Package ui implements the terminal user interface: a scan page for
// picking a peripheral and a device page showing live heart-rate
// measurements and an LED toggle.
package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/samber/lo"

	"github.com/kmckinnon/pulselight/internal/ble"
	"github.com/kmckinnon/pulselight/internal/ble/gatt"
	"github.com/kmckinnon/pulselight/internal/config"
)

// App wires the connection manager to the terminal UI.
type App struct {
	app     *tview.Application
	pages   *tview.Pages
	stack   ble.Stack
	manager *ble.Manager
	cfg     *config.Config
	cfgPath string
	log     *slog.Logger

	devices *tview.List
	status  *tview.TextView
	bpm     *tview.TextView
	contact *tview.TextView
	led     *tview.Checkbox

	// mu protects the subscription bookkeeping below.
	mu         sync.Mutex
	subscribed ble.Characteristic
	shownErr   error
}

// New creates the UI over the given stack and manager.
func New(stack ble.Stack, manager *ble.Manager, cfg *config.Config, cfgPath string, log *slog.Logger) *App {
	return &App{
		app:     tview.NewApplication().EnableMouse(true),
		pages:   tview.NewPages(),
		stack:   stack,
		manager: manager,
		cfg:     cfg,
		cfgPath: cfgPath,
		log:     log,
	}
}

// Run builds the pages and runs the event loop until the user quits.
func (a *App) Run() error {
	a.buildScanPage()
	a.buildDevicePage()
	a.app.SetRoot(a.pages, true)

	a.manager.OnChange(a.refresh)

	if a.cfg.LastDeviceID != "" {
		a.pages.SwitchToPage("device")
		// The stack only resolves devices it has seen, so scan before
		// reconnecting to the persisted device.
		go a.reconnectLast()
	} else {
		a.pages.SwitchToPage("scan")
		go a.scan()
	}

	return a.app.Run()
}

func (a *App) buildScanPage() {
	a.devices = tview.NewList().ShowSecondaryText(true)
	a.devices.SetBorder(true).SetTitle("Heart-rate devices")

	help := tview.NewTextView().
		SetText("enter: connect  r: rescan  q: quit").
		SetTextAlign(tview.AlignCenter)

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.devices, 0, 1, true).
		AddItem(help, 1, 0, false)

	flex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 'r':
			go a.scan()
			return nil
		case 'q':
			a.app.Stop()
			return nil
		}
		return event
	})

	a.pages.AddPage("scan", flex, true, false)
}

func (a *App) buildDevicePage() {
	a.status = tview.NewTextView().SetDynamicColors(true)
	a.status.SetBorder(true).SetTitle("Connection")
	a.status.SetText("no device")

	a.bpm = tview.NewTextView().SetTextAlign(tview.AlignCenter).SetDynamicColors(true)
	a.bpm.SetBorder(true).SetTitle("Heart rate")
	a.bpm.SetText("--")

	a.contact = tview.NewTextView().SetTextAlign(tview.AlignCenter)
	a.contact.SetText("sensor contact: unknown")

	a.led = tview.NewCheckbox().SetLabel("LED ")
	a.led.SetChangedFunc(a.onLEDToggle)

	help := tview.NewTextView().
		SetText("space: toggle LED  s: scan  x: disconnect  q: quit").
		SetTextAlign(tview.AlignCenter)

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.status, 3, 0, false).
		AddItem(a.bpm, 0, 1, false).
		AddItem(a.contact, 1, 0, false).
		AddItem(a.led, 1, 0, true).
		AddItem(help, 1, 0, false)

	flex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 's':
			a.pages.SwitchToPage("scan")
			go a.scan()
			return nil
		case 'x':
			go a.manager.Stop()
			return nil
		case 'q':
			a.app.Stop()
			return nil
		}
		return event
	})

	a.pages.AddPage("device", flex, true, false)
}

// scan runs a bounded scan and fills the device list, strongest signal first.
func (a *App) scan() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.ScanSeconds)*time.Second)
	defer cancel()

	advs, err := a.stack.Scan(ctx, ble.HeartRateServiceUUID)
	if err != nil {
		a.log.Warn("[UI] scan failed", "error", err)
		a.app.QueueUpdateDraw(func() {
			a.showError(fmt.Sprintf("Scan failed: %v", err))
		})
		return
	}

	advs = lo.UniqBy(advs, func(adv ble.Advertisement) string { return adv.ID.String() })
	sort.SliceStable(advs, func(i, j int) bool { return advs[i].RSSI > advs[j].RSSI })

	a.app.QueueUpdateDraw(func() {
		a.devices.Clear()
		for _, adv := range advs {
			name := adv.Name
			if name == "" {
				name = "(unnamed)"
			}
			a.devices.AddItem(name, fmt.Sprintf("%s  %d dBm", adv.ID, adv.RSSI), 0, func() {
				a.selectDevice(adv)
			})
		}
	})
}

// selectDevice persists the chosen identifier and hands it to the manager.
func (a *App) selectDevice(adv ble.Advertisement) {
	a.cfg.LastDeviceID = adv.ID.String()
	if err := a.cfg.Save(a.cfgPath); err != nil {
		a.log.Warn("[UI] failed to persist device selection", "error", err)
	}

	a.pages.SwitchToPage("device")
	go a.manager.ManageConnection(adv.ID.String())
}

// reconnectLast scans so the stack learns about the persisted device, then
// hands its identifier to the manager.
func (a *App) reconnectLast() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.ScanSeconds)*time.Second)
	defer cancel()
	if _, err := a.stack.Scan(ctx, ble.HeartRateServiceUUID); err != nil {
		a.log.Warn("[UI] reconnect scan failed", "error", err)
	}
	a.manager.ManageConnection(a.cfg.LastDeviceID)
}

// refresh is the manager's change callback. It repaints the device page and
// subscribes to heart-rate notifications once the capability set is ready.
func (a *App) refresh() {
	caps := a.manager.Capabilities()
	target := a.manager.Target()

	a.app.QueueUpdateDraw(func() {
		switch {
		case target == nil:
			a.status.SetText("no device")
		case caps.Err != nil:
			a.status.SetText(fmt.Sprintf("[red]error[-] %s", target.ID()))
		case caps.Ready():
			a.status.SetText(fmt.Sprintf("[green]connected[-] %s %s", target.ID(), target.Name()))
		default:
			a.status.SetText(fmt.Sprintf("[yellow]connecting[-] %s", target.ID()))
		}

		if !caps.Ready() {
			a.bpm.SetText("--")
			a.contact.SetText("sensor contact: unknown")
			a.led.SetChecked(false)
		}

		if caps.Err != nil && a.takeError(caps.Err) {
			a.showError(fmt.Sprintf("Discovery failed: %v", caps.Err))
		}
	})

	if caps.Ready() {
		a.subscribeHeartRate(caps.HeartRateMeasurement)
	}
}

// takeError reports whether err has not been shown yet, marking it shown.
func (a *App) takeError(err error) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.shownErr == err {
		return false
	}
	a.shownErr = err
	return true
}

// subscribeHeartRate enables notifications on the measurement characteristic,
// once per discovered handle.
func (a *App) subscribeHeartRate(char ble.Characteristic) {
	a.mu.Lock()
	if a.subscribed == char {
		a.mu.Unlock()
		return
	}
	a.subscribed = char
	a.mu.Unlock()

	err := char.Subscribe(func(buf []byte) {
		m, ok := gatt.ParseHeartRate(buf)
		if !ok {
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.bpm.SetText(fmt.Sprintf("[white::b]%d[-:-:-] bpm", m.BPM))
			a.contact.SetText("sensor contact: " + m.Contact.String())
		})
	})
	if err != nil {
		a.log.Warn("[UI] heart-rate subscribe failed", "error", err)
		a.app.QueueUpdateDraw(func() {
			a.showError(fmt.Sprintf("Subscribe failed: %v", err))
		})
	}
}

// onLEDToggle writes the new LED state and reverts the checkbox if the write
// fails.
func (a *App) onLEDToggle(checked bool) {
	caps := a.manager.Capabilities()
	if caps.LEDControl == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := caps.LEDControl.Write(ctx, gatt.DigitalValue(checked)); err != nil {
			a.log.Warn("[UI] led write failed", "error", err)
			a.app.QueueUpdateDraw(func() {
				a.led.SetChecked(!checked)
				a.showError(fmt.Sprintf("LED write failed: %v", err))
			})
		}
	}()
}
