package action

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/bryanchriswhite/StatDeck/internal/layout"
)

// Action-type tags understood by the default handler set.
const (
	TypeLaunchApp  = "launch_app"
	TypeHotkey     = "hotkey"
	TypeRunScript  = "run_script"
	TypeOpenURL    = "open_url"
	TypeOpenFolder = "open_folder"
)

// ErrMissingField is returned when an action lacks a required field.
var ErrMissingField = errors.New("action config missing field")

// StartFunc starts a process without waiting for it.
type StartFunc func(name string, args ...string) error

// StartDetached starts name and reaps it in the background.
func StartDetached(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}

// Handlers builds the built-in action handlers.
type Handlers struct {
	Start StartFunc
	Keys  KeySender
	GOOS  string
}

// RegisterDefaults binds every built-in action type on r. keys may be nil
// when no display is available; hotkey actions then fail with an error.
func RegisterDefaults(r *Router, keys KeySender) {
	h := &Handlers{Start: StartDetached, Keys: keys, GOOS: runtime.GOOS}
	h.Register(r)
}

// Register binds the handlers on r.
func (h *Handlers) Register(r *Router) {
	r.Register(TypeLaunchApp, HandlerFunc(h.LaunchApp))
	r.Register(TypeHotkey, HandlerFunc(h.Hotkey))
	r.Register(TypeRunScript, HandlerFunc(h.RunScript))
	r.Register(TypeOpenURL, HandlerFunc(h.OpenURL))
	r.Register(TypeOpenFolder, HandlerFunc(h.OpenFolder))
}

func require(cfg layout.ActionConfig, field string) (string, error) {
	v := strings.TrimSpace(cfg[field])
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingField, field)
	}
	return v, nil
}

// LaunchApp starts target with optional whitespace-separated arguments.
func (h *Handlers) LaunchApp(cfg layout.ActionConfig) error {
	target, err := require(cfg, "target")
	if err != nil {
		return err
	}
	return h.Start(ExpandPath(target), strings.Fields(cfg["arguments"])...)
}

// Hotkey sends a key chord like "ctrl+shift+esc".
func (h *Handlers) Hotkey(cfg layout.ActionConfig) error {
	keys, err := require(cfg, "keys")
	if err != nil {
		return err
	}
	if h.Keys == nil {
		return errors.New("hotkey: no key injection backend")
	}
	return h.Keys.SendKeys(keys)
}

// RunScript picks an interpreter from the script's extension.
func (h *Handlers) RunScript(cfg layout.ActionConfig) error {
	script, err := require(cfg, "script")
	if err != nil {
		return err
	}
	script = ExpandPath(script)
	name, args := scriptCommand(script)
	return h.Start(name, args...)
}

func scriptCommand(script string) (string, []string) {
	switch strings.ToLower(filepath.Ext(script)) {
	case ".bat", ".cmd":
		return "cmd", []string{"/c", script}
	case ".ps1":
		return "powershell", []string{"-ExecutionPolicy", "Bypass", "-File", script}
	case ".py":
		return "python3", []string{script}
	case ".sh":
		return "sh", []string{script}
	}
	return script, nil
}

// OpenURL hands url to the desktop's default handler.
func (h *Handlers) OpenURL(cfg layout.ActionConfig) error {
	url, err := require(cfg, "url")
	if err != nil {
		return err
	}
	return h.open(url)
}

// OpenFolder opens folder in the file manager after expanding variables.
func (h *Handlers) OpenFolder(cfg layout.ActionConfig) error {
	folder, err := require(cfg, "folder")
	if err != nil {
		return err
	}
	return h.open(ExpandPath(folder))
}

func (h *Handlers) open(target string) error {
	switch h.GOOS {
	case "windows":
		return h.Start("cmd", "/c", "start", "", target)
	case "darwin":
		return h.Start("open", target)
	default:
		return h.Start("xdg-open", target)
	}
}

var percentVar = regexp.MustCompile(`%([A-Za-z_][A-Za-z0-9_]*)%`)

// ExpandPath expands $VAR, ${VAR}, %VAR% and a leading ~.
func ExpandPath(p string) string {
	p = percentVar.ReplaceAllStringFunc(p, func(m string) string {
		if v, ok := os.LookupEnv(m[1 : len(m)-1]); ok {
			return v
		}
		return m
	})
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[1:])
		}
	}
	return p
}
