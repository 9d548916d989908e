package action

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgb/xtest"
	"github.com/BurntSushi/xgbutil"
	"github.com/BurntSushi/xgbutil/keybind"
)

// KeySender synthesises a key chord such as "ctrl+shift+esc".
type KeySender interface {
	SendKeys(chord string) error
}

// keyAliases maps the short names used in layouts to X keysym names.
var keyAliases = map[string]string{
	"ctrl":      "Control_L",
	"control":   "Control_L",
	"shift":     "Shift_L",
	"alt":       "Alt_L",
	"win":       "Super_L",
	"super":     "Super_L",
	"cmd":       "Super_L",
	"meta":      "Super_L",
	"esc":       "Escape",
	"escape":    "Escape",
	"enter":     "Return",
	"return":    "Return",
	"tab":       "Tab",
	"space":     "space",
	"backspace": "BackSpace",
	"delete":    "Delete",
	"del":       "Delete",
	"insert":    "Insert",
	"home":      "Home",
	"end":       "End",
	"pageup":    "Prior",
	"pagedown":  "Next",
	"up":        "Up",
	"down":      "Down",
	"left":      "Left",
	"right":     "Right",
	"print":     "Print",

	"volumeup":   "XF86AudioRaiseVolume",
	"volumedown": "XF86AudioLowerVolume",
	"volumemute": "XF86AudioMute",
	"playpause":  "XF86AudioPlay",
	"nexttrack":  "XF86AudioNext",
	"prevtrack":  "XF86AudioPrev",
}

// ParseChord splits a chord into X keysym names, in press order.
func ParseChord(chord string) ([]string, error) {
	parts := strings.Split(chord, "+")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("invalid key chord %q", chord)
		}
		if alias, ok := keyAliases[strings.ToLower(p)]; ok {
			p = alias
		}
		keys = append(keys, p)
	}
	return keys, nil
}

// X11Keys injects key events through the XTEST extension.
type X11Keys struct {
	xu *xgbutil.XUtil
}

// NewX11Keys connects to $DISPLAY and initialises XTEST.
func NewX11Keys() (*X11Keys, error) {
	xu, err := xgbutil.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	if err := xtest.Init(xu.Conn()); err != nil {
		xu.Conn().Close()
		return nil, fmt.Errorf("XTEST extension unavailable: %w", err)
	}
	keybind.Initialize(xu)
	return &X11Keys{xu: xu}, nil
}

// SendKeys presses every key of the chord in order and releases them in
// reverse.
func (k *X11Keys) SendKeys(chord string) error {
	names, err := ParseChord(chord)
	if err != nil {
		return err
	}

	codes := make([]xproto.Keycode, 0, len(names))
	for _, name := range names {
		kcs := keybind.StrToKeycodes(k.xu, name)
		if len(kcs) == 0 {
			return fmt.Errorf("no keycode for %q", name)
		}
		codes = append(codes, kcs[0])
	}

	conn, root := k.xu.Conn(), k.xu.RootWin()
	var errs []error
	for _, kc := range codes {
		if err := xtest.FakeInputChecked(conn, xproto.KeyPress, byte(kc), 0, root, 0, 0, 0).Check(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(codes) - 1; i >= 0; i-- {
		if err := xtest.FakeInputChecked(conn, xproto.KeyRelease, byte(codes[i]), 0, root, 0, 0, 0).Check(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the X connection.
func (k *X11Keys) Close() {
	k.xu.Conn().Close()
}
