package collector

import (
	"context"
	"strings"
	"sync"

	"github.com/bryanchriswhite/StatDeck/internal/window"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DesktopProcess is reported when no application window has focus.
const DesktopProcess = "desktop"

// displayNames maps normalised process names to clean application names.
var displayNames = map[string]string{
	"explorer":              "File Explorer",
	"chrome":                "Chrome",
	"google-chrome":         "Chrome",
	"chromium":              "Chromium",
	"firefox":               "Firefox",
	"msedge":                "Edge",
	"code":                  "VS Code",
	"devenv":                "Visual Studio",
	"maya":                  "Maya",
	"3dsmax":                "3ds Max",
	"blender":               "Blender",
	"photoshop":             "Photoshop",
	"illustrator":           "Illustrator",
	"afterfx":               "After Effects",
	"premiere pro":          "Premiere Pro",
	"discord":               "Discord",
	"spotify":               "Spotify",
	"slack":                 "Slack",
	"teams":                 "Teams",
	"notepad":               "Notepad",
	"notepad++":             "Notepad++",
	"windowsterminal":       "Terminal",
	"gnome-terminal-server": "Terminal",
	"konsole":               "Terminal",
	"cmd":                   "Command Prompt",
	"powershell":            "PowerShell",
	"pwsh":                  "PowerShell",
	"obs64":                 "OBS Studio",
	"obs":                   "OBS Studio",
	"steam":                 "Steam",
	"steamwebhelper":        "Steam",
	"epicgameslauncher":     "Epic Games",
	"taskmgr":               "Task Manager",
	"electron":              "Electron App",
	"gimp-2.10":             "GIMP",
	"gimp":                  "GIMP",
	"audacity":              "Audacity",
	"vlc":                   "VLC",
	"wmplayer":              "Media Player",
	"winword":               "Word",
	"excel":                 "Excel",
	"powerpnt":              "PowerPoint",
	"outlook":               "Outlook",
	"onenote":               "OneNote",
	"unity":                 "Unity",
	"unrealengine":          "Unreal Engine",
	"nautilus":              "Files",
	"dolphin":               "Files",
}

// NormalizeProcess lowercases a process name and strips ".exe".
func NormalizeProcess(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, ".exe")
}

// DisplayName picks a human-readable application name: the table entry,
// else the title suffix after " - " when it is a plausible app name, else
// the title-cased process name.
func DisplayName(process, title string) string {
	norm := NormalizeProcess(process)
	if name, ok := displayNames[norm]; ok {
		return name
	}
	if i := strings.LastIndex(title, " - "); i >= 0 {
		candidate := strings.TrimSpace(title[i+3:])
		if n := len([]rune(candidate)); n > 3 && n < 35 {
			return candidate
		}
	}
	if norm == "" {
		return "Unknown"
	}
	return cases.Title(language.Und).String(norm)
}

// FocusPoller reports the focused window; *window.Tracker implements it.
type FocusPoller interface {
	Poll() (*window.Info, bool, error)
}

// ProcessNameFunc resolves a pid to its executable name.
type ProcessNameFunc func(ctx context.Context, pid int) (string, error)

func processName(ctx context.Context, pid int) (string, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return "", err
	}
	return p.NameWithContext(ctx)
}

func hostUptime(ctx context.Context) (uint64, error) {
	return host.UptimeWithContext(ctx)
}

type focus struct {
	app, process, title string
}

// System reports the foreground application and host uptime. The
// active_process field drives profile switching.
type System struct {
	poller FocusPoller
	names  ProcessNameFunc
	uptime func(ctx context.Context) (uint64, error)

	mu   sync.Mutex
	last focus
}

func NewSystem(poller FocusPoller) *System {
	return &System{
		poller: poller,
		names:  processName,
		uptime: hostUptime,
		last:   focus{app: "Desktop", process: DesktopProcess},
	}
}

func (*System) Name() string { return "system" }

func (s *System) Sample(ctx context.Context) (Sample, error) {
	s.mu.Lock()
	prev := s.last
	s.mu.Unlock()

	cur := prev
	if info, _, err := s.poller.Poll(); err == nil {
		cur = s.resolve(ctx, info)
	}

	s.mu.Lock()
	s.last = cur
	s.mu.Unlock()

	uptime, _ := s.uptime(ctx)
	return Sample{
		"active_app":     cur.app,
		"active_process": cur.process,
		"active_title":   cur.title,
		"uptime":         uptime,
		"changed":        cur.process != prev.process,
	}, nil
}

func (s *System) resolve(ctx context.Context, info *window.Info) focus {
	desktop := focus{app: "Desktop", process: DesktopProcess, title: "Desktop"}
	if info == nil {
		return focus{app: "Desktop", process: DesktopProcess}
	}

	raw := ""
	if info.PID > 0 {
		if name, err := s.names(ctx, info.PID); err == nil {
			raw = name
		}
	}
	if raw == "" {
		raw = info.Instance
	}

	switch {
	case NormalizeProcess(raw) == "explorer":
		if info.Title == "" {
			return desktop
		}
		return focus{app: "File Explorer", process: "explorer", title: info.Title}
	case info.Title == "" && raw == "":
		return desktop
	}
	return focus{
		app:     DisplayName(raw, info.Title),
		process: NormalizeProcess(raw),
		title:   info.Title,
	}
}
