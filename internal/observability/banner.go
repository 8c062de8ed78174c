package observability

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

var startTime = time.Now()

const (
	colorReset    = "\033[0m"
	colorCyan     = "\033[36m"
	colorBlue     = "\033[34m"
	colorBold     = "\033[1m"
	colorPurple   = "\033[35m"
	colorNeonCyan = "\033[96m"
	colorNeonMag  = "\033[95m"
)

var radarFrames = []string{"◜", "◝", "◞", "◟"}

// termMu guards all terminal output so a log write never lands between the
// cursor save and restore of a status redraw.
var termMu sync.Mutex

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return w
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// termWriter serializes log output with the status line redraws.
type termWriter struct{}

func (tw termWriter) Write(p []byte) (n int, err error) {
	termMu.Lock()
	defer termMu.Unlock()
	return os.Stderr.Write(p)
}

// NewTermWriter returns the stderr writer used by the logger while the
// dashboard is running.
func NewTermWriter() *termWriter {
	return &termWriter{}
}

func PrintBanner() {
	fmt.Print("\033[2J\033[H")

	banner := `
 _   __ ____ ____   ____
| | / //  _// __ ) / __/
| |/ /_/ / / __  |/ _/
|___//___//____//___/

   >> SUPERVISED RESEARCH AGENTS <<
`

	width := termWidth()
	lines := strings.Split(banner, "\n")

	for _, l := range lines {
		padding := (width - len(l)) / 2
		if padding < 0 {
			padding = 0
		}
		fmt.Printf("%s%s%s\n", strings.Repeat(" ", padding), colorNeonCyan+l, colorReset)
	}
}

func InitializeTerminal() {
	// Header/Logo area: 1-9
	// Dashboard/Status: 10
	// Gap: 11
	// Scrolling Logs: 12+
	fmt.Print("\033[12;r")  // Set scrolling region from line 12 to the bottom
	fmt.Print("\033[12;1H") // Move cursor to the start of the scrolling region
}

func CleanupTerminal() {
	fmt.Print("\033[r\033[2J\033[H")
}

// dashboard renders the status line pinned above the scrolling logs.
type dashboard struct {
	width int
	frame int
}

// line formats one status line. memFrac is the share of memory obtained from
// the OS that is currently allocated.
func (d *dashboard) line(s Snapshot, now time.Time, memMB, memFrac float64) string {
	pulseIcon, pulseText, pulseColor := "🔴", "OFFLINE", colorNeonMag
	switch since := now.Sub(s.LastHeartbeat); {
	case since < 40*time.Second:
		pulseIcon, pulseText, pulseColor = "🟢", "HEALTHY", colorNeonCyan
	case since < 90*time.Second:
		pulseIcon, pulseText, pulseColor = "🟡", "LAGGING", colorPurple
	}

	icon, phaseColor := "💤", colorReset
	switch s.Phase {
	case PhaseSupervising:
		icon, phaseColor = "🛰️", colorNeonCyan
	case PhaseWorking:
		icon, phaseColor = "⚙️", colorNeonMag
	}

	radar := " "
	if s.Phase != PhaseIdle {
		radar = radarFrames[d.frame%len(radarFrames)]
		d.frame++
	}

	task := s.Task
	if task == "" {
		task = "Waiting..."
	}
	if limit := clamp(d.width-70, 25, 60); len(task) > limit {
		task = task[:limit-3] + "..."
	}

	const barWidth = 20
	filled := clamp(int(memFrac*barWidth), 0, barWidth)
	bar := strings.Repeat("█", filled) + strings.Repeat("▒", barWidth-filled)
	barColor := colorNeonCyan
	if memFrac > 0.7 {
		barColor = colorNeonMag
	}

	return fmt.Sprintf("%s[%s] %s%s %-8s%s | %s%s %-9s%s [%s] %s%s%s runs %d/%d [%v] [%s%s %.1fMB%s]",
		colorReset, s.LastHeartbeat.Format("15:04:05"),
		pulseColor, pulseIcon, pulseText, colorReset,
		phaseColor, icon, s.Phase, colorReset,
		task,
		colorPurple, radar, colorReset,
		s.ActiveRuns, s.FinishedRuns,
		now.Sub(startTime).Round(time.Second),
		barColor, bar, memMB, colorReset,
	)
}

// draw writes the status line to row 10, restoring the cursor afterwards.
func (d *dashboard) draw() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	memMB := float64(m.Alloc) / 1024 / 1024
	memFrac := 0.0
	if m.Sys > 0 {
		memFrac = float64(m.Alloc) / float64(m.Sys)
	}
	d.width = termWidth()
	out := "\033[s\033[10;1H\033[K" + d.line(Status(), time.Now(), memMB, memFrac) + "\033[u"

	termMu.Lock()
	fmt.Print(out)
	termMu.Unlock()
}

// Interactive reports whether stdout is a terminal that can host the
// dashboard.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// RunDashboard redraws the live status line every second and beats the
// heartbeat every 30 seconds until ctx is done.
func RunDashboard(ctx context.Context) {
	redraw := time.NewTicker(1 * time.Second)
	defer redraw.Stop()
	beat := time.NewTicker(30 * time.Second)
	defer beat.Stop()

	d := &dashboard{}
	Heartbeat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-redraw.C:
			d.draw()
		case <-beat.C:
			Heartbeat()
		}
	}
}
