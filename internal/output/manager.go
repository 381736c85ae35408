package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/fetchd/internal/engine"
	"github.com/tanq16/fetchd/internal/store"
	"github.com/tanq16/fetchd/internal/utils"
)

type DownloadOutput struct {
	URL         string
	Filename    string
	Status      store.Status
	Message     string
	Downloaded  int64
	TotalSize   int64
	Speed       float64
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Error       string
	Index       int
}

type ErrorReport struct {
	URL   string
	Error string
	Time  time.Time
}

// Manager renders engine events. On a terminal it redraws a live block of
// progress lines; otherwise it prints one line per finished download.
type Manager struct {
	outputs     map[string]*DownloadOutput
	mutex       sync.RWMutex
	out         io.Writer
	interactive bool
	numLines    int
	errors      []ErrorReport
	doneCh      chan struct{}
	displayTick time.Duration
	count       int
	displayWg   sync.WaitGroup
	stopOnce    sync.Once
}

func NewManager() *Manager {
	return newManager(os.Stdout, isTerminal())
}

func newManager(out io.Writer, interactive bool) *Manager {
	return &Manager{
		outputs:     make(map[string]*DownloadOutput),
		out:         out,
		interactive: interactive,
		doneCh:      make(chan struct{}),
		displayTick: 300 * time.Millisecond,
	}
}

// Register adds a download to the display in the given status.
func (m *Manager) Register(info engine.Info) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, exists := m.outputs[info.URL]; exists {
		return
	}
	m.count++
	now := time.Now()
	m.outputs[info.URL] = &DownloadOutput{
		URL:         info.URL,
		Filename:    info.Filename,
		Status:      info.Status,
		Downloaded:  info.Downloaded,
		TotalSize:   info.TotalSize,
		StartTime:   now,
		LastUpdated: now,
		Index:       m.count,
	}
}

func (m *Manager) SetMessage(url, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[url]; exists {
		info.Message = message
		info.LastUpdated = time.Now()
	}
}

// Publish implements engine.Sink.
func (m *Manager) Publish(ev engine.Event) {
	m.mutex.Lock()
	info, exists := m.outputs[ev.URL]
	if !exists {
		m.mutex.Unlock()
		return
	}
	info.Status = ev.Status
	info.Downloaded = ev.Downloaded
	if ev.TotalSize > 0 {
		info.TotalSize = ev.TotalSize
	}
	info.Speed = ev.Speed
	info.LastUpdated = time.Now()
	var line string
	switch ev.Kind {
	case engine.EventComplete:
		info.Complete = true
		info.Speed = 0
		info.Message = fmt.Sprintf("Completed %s (%s at %s)", info.Filename, FormatBytes(ev.TotalSize), FormatSpeed(ev.AverageSpeed))
		line = fmt.Sprintf("%s %s", FSuccess(StyleSymbols["pass"]), successStyle.Render(info.Message))
		if ev.Message != "" {
			// completed on disk but not in the store
			m.errors = append(m.errors, ErrorReport{URL: info.URL, Error: ev.Message, Time: info.LastUpdated})
			line += "\n" + fmt.Sprintf("%s %s", FWarning(StyleSymbols["warning"]), warningStyle.Render(ev.Message))
		}
	case engine.EventError:
		info.Complete = true
		info.Speed = 0
		info.Error = ev.Message
		info.Message = fmt.Sprintf("Failed %s", info.Filename)
		m.errors = append(m.errors, ErrorReport{URL: info.URL, Error: ev.Message, Time: info.LastUpdated})
		line = fmt.Sprintf("%s %s", FError(StyleSymbols["fail"]), errorStyle.Render(info.Message+": "+ev.Message))
	}
	m.mutex.Unlock()
	if line != "" && !m.interactive {
		fmt.Fprintln(m.out, line)
	}
}

// Pending reports how many registered downloads have not finished.
func (m *Manager) Pending() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	n := 0
	for _, info := range m.outputs {
		if !info.Complete {
			n++
		}
	}
	return n
}

func (m *Manager) GetStatusIndicator(info *DownloadOutput) string {
	switch {
	case info.Complete && info.Error == "":
		return successStyle.Render(StyleSymbols["pass"])
	case info.Error != "":
		return errorStyle.Render(StyleSymbols["fail"])
	case info.Status == store.StatusPaused || info.Status == store.StatusStopped:
		return warningStyle.Render(StyleSymbols["paused"])
	case info.Status == store.StatusQueued:
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func (m *Manager) sortOutputs() (active, completed []*DownloadOutput) {
	all := make([]*DownloadOutput, 0, len(m.outputs))
	for _, info := range m.outputs {
		all = append(all, info)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Index < all[j].Index
	})
	for _, info := range all {
		if info.Complete {
			completed = append(completed, info)
		} else {
			active = append(active, info)
		}
	}
	return active, completed
}

func (m *Manager) progressLine(info *DownloadOutput) string {
	text := FormatProgress(info.Downloaded, info.TotalSize)
	if info.TotalSize <= 0 {
		return debugStyle.Render(fmt.Sprintf("%s %s %s", text, StyleSymbols["bullet"], FormatSpeed(info.Speed)))
	}
	return fmt.Sprintf("%s%s %s %s", PrintProgressBar(info.Downloaded, info.TotalSize, 30),
		debugStyle.Render(text), StyleSymbols["bullet"], debugStyle.Render(FormatSpeed(info.Speed)))
}

func (m *Manager) render() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	available := getTerminalHeight() - 3
	active, completed := m.sortOutputs()
	needed := 2*len(active) + len(completed)
	if needed > available {
		keep := max(0, available-2*len(active))
		if len(completed) > keep {
			completed = completed[len(completed)-keep:]
		}
	}

	indent := strings.Repeat(" ", 2)
	var lines []string
	for _, info := range active {
		elapsed := time.Since(info.StartTime).Round(time.Second)
		message := info.Message
		if message == "" {
			message = fmt.Sprintf("%s (%s)", info.Filename, info.Status)
		}
		lines = append(lines, fmt.Sprintf("%s%s %s %s", indent, m.GetStatusIndicator(info), debugStyle.Render(elapsed.String()), pendingStyle.Render(message)))
		lines = append(lines, indent+indent+indent+m.progressLine(info))
	}
	for _, info := range completed {
		elapsed := info.LastUpdated.Sub(info.StartTime).Round(time.Second)
		style := successStyle
		if info.Error != "" {
			style = errorStyle
		}
		lines = append(lines, fmt.Sprintf("%s%s %s %s", indent, m.GetStatusIndicator(info), debugStyle.Render(elapsed.String()), style.Render(info.Message)))
	}
	if len(lines) > available {
		lines = lines[:available]
	}
	return lines
}

func (m *Manager) updateDisplay() {
	lines := m.render()
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	for _, line := range lines {
		fmt.Fprintln(m.out, line)
	}
	m.numLines = len(lines)
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		if !m.interactive {
			<-m.doneCh
			m.ShowSummary()
			return
		}
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				m.updateDisplay()
				m.ShowSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	m.stopOnce.Do(func() { close(m.doneCh) })
	m.displayWg.Wait()
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Bold(true).Render("Errors:"))
	for i, report := range m.errors {
		fmt.Fprintf(m.out, "%s%s %s %s\n",
			strings.Repeat(" ", 4),
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", report.Time.Format(time.TimeOnly))),
			errorStyle.Render(utils.Truncate(report.URL, getTerminalWidth()-20)))
		for _, line := range wrapText(report.Error, 6) {
			fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 6), errorStyle.Render(line))
		}
	}
}

func (m *Manager) ShowSummary() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var success, failures, unfinished int
	for _, info := range m.outputs {
		switch {
		case info.Complete && info.Error == "":
			success++
		case info.Error != "":
			failures++
		default:
			unfinished++
		}
	}
	total := len(m.outputs)
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+success2Style.Render(fmt.Sprintf("Completed %d of %d", success, total)))
	if failures > 0 {
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failures, total)))
	}
	if unfinished > 0 {
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+warningStyle.Render(fmt.Sprintf("Unfinished %d of %d (run `fetchd resume` to continue)", unfinished, total)))
	}
	m.displayErrors()
	fmt.Fprintln(m.out)
}
