//go:build windows

package scanner

import (
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/sysadminkit/driveflash/pkg/errors"
)

var (
	user32                           = windows.NewLazySystemDLL("user32.dll")
	procRegisterClassExW             = user32.NewProc("RegisterClassExW")
	procCreateWindowExW              = user32.NewProc("CreateWindowExW")
	procDefWindowProcW               = user32.NewProc("DefWindowProcW")
	procDestroyWindow                = user32.NewProc("DestroyWindow")
	procGetMessageW                  = user32.NewProc("GetMessageW")
	procTranslateMessage             = user32.NewProc("TranslateMessage")
	procDispatchMessageW             = user32.NewProc("DispatchMessageW")
	procPostMessageW                 = user32.NewProc("PostMessageW")
	procPostQuitMessage              = user32.NewProc("PostQuitMessage")
	procRegisterDeviceNotificationW  = user32.NewProc("RegisterDeviceNotificationW")
	procUnregisterDeviceNotification = user32.NewProc("UnregisterDeviceNotification")
)

const (
	wmClose        = 0x0010
	wmDestroy      = 0x0002
	wmDeviceChange = 0x0219

	dbtDeviceArrival        = 0x8000
	dbtDeviceRemoveComplete = 0x8004

	dbtDevTypVolume          = 2
	dbtDevTypDeviceInterface = 5

	deviceNotifyWindowHandle = 0
)

// GUID_DEVINTERFACE_VOLUME
var volumeInterfaceGUID = windows.GUID{
	Data1: 0x53F5630D,
	Data2: 0xB6BF,
	Data3: 0x11D0,
	Data4: [8]byte{0x94, 0xF2, 0x00, 0xA0, 0xC9, 0x1E, 0xFB, 0x8B},
}

type wndClassEx struct {
	Size       uint32
	Style      uint32
	WndProc    uintptr
	ClsExtra   int32
	WndExtra   int32
	Instance   windows.Handle
	Icon       uintptr
	Cursor     uintptr
	Background uintptr
	MenuName   *uint16
	ClassName  *uint16
	IconSm     uintptr
}

type msg struct {
	HWND    uintptr
	Message uint32
	WParam  uintptr
	LParam  uintptr
	Time    uint32
	Pt      struct{ X, Y int32 }
}

type devBroadcastHeader struct {
	Size       uint32
	DeviceType uint32
	Reserved   uint32
}

type devBroadcastDeviceInterface struct {
	Size       uint32
	DeviceType uint32
	Reserved   uint32
	ClassGUID  windows.GUID
	Name       [1]uint16
}

// The window procedure is a single process-wide callback, so the change
// handler lives in package state rather than on the notifier instance.
var (
	hotplugMu       sync.Mutex
	hotplugOnChange func()

	wndProcOnce sync.Once
	wndProcPtr  uintptr
)

func hotplugWndProc(hwnd uintptr, message uint32, wparam, lparam uintptr) uintptr {
	switch message {
	case wmDeviceChange:
		if wparam == dbtDeviceArrival || wparam == dbtDeviceRemoveComplete {
			if lparam != 0 {
				hdr := (*devBroadcastHeader)(unsafe.Pointer(lparam))
				if hdr.DeviceType != dbtDevTypVolume && hdr.DeviceType != dbtDevTypDeviceInterface {
					break
				}
			}
			hotplugMu.Lock()
			fn := hotplugOnChange
			hotplugMu.Unlock()
			if fn != nil {
				fn()
			}
		}
	case wmClose:
		procDestroyWindow.Call(hwnd)
		return 0
	case wmDestroy:
		procPostQuitMessage.Call(0)
		return 0
	}
	ret, _, _ := procDefWindowProcW.Call(hwnd, uintptr(message), wparam, lparam)
	return ret
}

// windowsNotifier owns a message-only window subscribed to volume
// device-change broadcasts. The window and its message pump live on one
// locked OS thread for their whole lifetime.
type windowsNotifier struct {
	hwnd   uintptr
	notify uintptr
	done   chan struct{}
}

func platformNotifier() Notifier { return &windowsNotifier{} }

func (n *windowsNotifier) Start(onChange func()) error {
	hotplugMu.Lock()
	hotplugOnChange = onChange
	hotplugMu.Unlock()

	wndProcOnce.Do(func() {
		wndProcPtr = syscall.NewCallback(hotplugWndProc)
	})

	ready := make(chan error, 1)
	n.done = make(chan struct{})

	go func() {
		defer close(n.done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		className, _ := windows.UTF16PtrFromString("driveflashHotplug")
		wc := wndClassEx{
			Size:      uint32(unsafe.Sizeof(wndClassEx{})),
			WndProc:   wndProcPtr,
			ClassName: className,
		}
		// Re-registration after a restart fails with ERROR_CLASS_ALREADY_EXISTS,
		// which is fine.
		procRegisterClassExW.Call(uintptr(unsafe.Pointer(&wc)))

		// HWND_MESSAGE parent keeps the window out of the desktop entirely.
		hwndMessage := ^uintptr(2)
		hwnd, _, callErr := procCreateWindowExW.Call(
			0,
			uintptr(unsafe.Pointer(className)),
			0, 0, 0, 0, 0, 0,
			hwndMessage,
			0, 0, 0,
		)
		if hwnd == 0 {
			ready <- errors.Wrap(callErr, "create notification window")
			return
		}
		n.hwnd = hwnd

		filter := devBroadcastDeviceInterface{
			DeviceType: dbtDevTypDeviceInterface,
			ClassGUID:  volumeInterfaceGUID,
		}
		filter.Size = uint32(unsafe.Sizeof(filter))
		notify, _, callErr := procRegisterDeviceNotificationW.Call(
			hwnd,
			uintptr(unsafe.Pointer(&filter)),
			deviceNotifyWindowHandle,
		)
		if notify == 0 {
			procDestroyWindow.Call(hwnd)
			ready <- errors.Wrap(callErr, "register device notification")
			return
		}
		n.notify = notify
		ready <- nil

		var m msg
		for {
			ret, _, _ := procGetMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
			if int32(ret) <= 0 {
				break
			}
			procTranslateMessage.Call(uintptr(unsafe.Pointer(&m)))
			procDispatchMessageW.Call(uintptr(unsafe.Pointer(&m)))
		}

		procUnregisterDeviceNotification.Call(notify)
	}()

	return <-ready
}

func (n *windowsNotifier) Stop() {
	hotplugMu.Lock()
	hotplugOnChange = nil
	hotplugMu.Unlock()

	if n.hwnd != 0 {
		procPostMessageW.Call(n.hwnd, wmClose, 0, 0)
		<-n.done
		n.hwnd = 0
	}
}
