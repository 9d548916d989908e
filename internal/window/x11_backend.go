package window

import (
	"fmt"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil"
	"github.com/BurntSushi/xgbutil/ewmh"
	"github.com/BurntSushi/xgbutil/icccm"
	"github.com/rs/zerolog"
)

// X11Backend implements the Backend interface using EWMH properties
type X11Backend struct {
	xu  *xgbutil.XUtil
	log zerolog.Logger
}

// NewX11Backend creates a new X11 backend
func NewX11Backend(log zerolog.Logger) (*X11Backend, error) {
	xu, err := xgbutil.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	return &X11Backend{xu: xu, log: log}, nil
}

// Close closes the X11 connection
func (b *X11Backend) Close() error {
	b.xu.Conn().Close()
	return nil
}

// Name returns the backend name
func (b *X11Backend) Name() string {
	return "x11"
}

// Active returns the window named by _NET_ACTIVE_WINDOW.
func (b *X11Backend) Active() (*Info, error) {
	win, err := ewmh.ActiveWindowGet(b.xu)
	if err != nil {
		return nil, fmt.Errorf("failed to read _NET_ACTIVE_WINDOW: %w", err)
	}
	if win == 0 || win == b.xu.RootWin() {
		return nil, ErrNoWindow
	}
	return b.windowInfo(win), nil
}

// windowInfo reads what is available; missing properties stay empty.
func (b *X11Backend) windowInfo(win xproto.Window) *Info {
	info := &Info{ID: uint32(win)}

	// Prefer the UTF-8 EWMH title, fall back to the legacy property.
	if title, err := ewmh.WmNameGet(b.xu, win); err == nil && title != "" {
		info.Title = title
	} else if title, err := icccm.WmNameGet(b.xu, win); err == nil {
		info.Title = title
	}

	if class, err := icccm.WmClassGet(b.xu, win); err == nil && class != nil {
		info.Class = class.Class
		info.Instance = class.Instance
	}

	if pid, err := ewmh.WmPidGet(b.xu, win); err == nil {
		info.PID = int(pid)
	} else {
		b.log.Debug().Uint32("window", uint32(win)).Msg("Window has no _NET_WM_PID")
	}

	return info
}
