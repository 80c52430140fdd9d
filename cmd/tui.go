// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/turntable/pkg/turnproto"
)

// Event log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for notices
}

// Link monitor TUI model
type model struct {
	connInfo      string
	statsInterval int
	showAll       bool
	stats         *turnproto.Statistics
	tracker       *heartbeatTracker
	eventLog      []logEntry
	maxLogEntries int
	initialized   bool
	firstBeat     time.Time
	lastCounter   uint8
	lastPosition  *int32
	overdue       bool
	disconnected  bool
	width         int
	height        int
	quitting      bool
}

// Messages
type tickMsg time.Time

// formatUptime formats a duration as a human-friendly string
func formatUptime(d time.Duration) string {
	seconds := int64(d / time.Second)
	if seconds <= 0 {
		return "0 seconds"
	}

	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	plural := func(n int64, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if seconds > 0 {
		parts = append(parts, plural(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func initialModel(connInfo string, statsInterval int, showAll bool, tracker *heartbeatTracker) model {
	return model{
		connInfo:      connInfo,
		statsInterval: statsInterval,
		showAll:       showAll,
		stats:         turnproto.NewStatistics(),
		tracker:       tracker,
		eventLog:      make([]logEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.stats.CalculateRates()
		if silence, late := m.tracker.overdue(time.Time(msg)); late && !m.overdue && !m.disconnected {
			m.overdue = true
			m.addLogEntry(fmt.Sprintf("No heartbeat for %s", silence.Round(time.Millisecond)), true)
		}
		return m, tickCmd()

	case frameMsg:
		m.handleFrame(msg)
	}

	return m, nil
}

// handleFrame updates the model with one read result
func (m *model) handleFrame(msg frameMsg) {
	if errors.Is(msg.err, errLinkLost) {
		m.disconnected = true
		m.addLogEntry(msg.err.Error(), true)
		return
	}

	m.stats.Update(msg.frame, msg.err)
	if msg.err != nil {
		m.addLogEntry(fmt.Sprintf("DECODE ERROR: %v", msg.err), true)
		return
	}

	frame := msg.frame
	if counter, ok := frame.Counter(); ok {
		if !m.initialized {
			m.initialized = true
			m.firstBeat = frame.Timestamp
			m.addLogEntry(fmt.Sprintf("Initialized (first heartbeat S%d)", counter), counter != 0)
		}
		m.overdue = false
		m.lastCounter = counter
		for _, anomaly := range m.tracker.observe(counter, frame.Timestamp) {
			m.addLogEntry(anomaly, true)
		}
	}
	if pos, ok := frame.Position(); ok {
		m.lastPosition = &pos
	}

	switch {
	case frame.Opcode == turnproto.OpComment:
		m.addLogEntry("Device: "+frame.Text(), false)
	case frame.Opcode == turnproto.OpError:
		m.addLogEntry("Device reported an error", true)
	case m.showAll:
		m.addLogEntry(strings.TrimSuffix(turnproto.FormatFrame(frame), "\n"), false)
	}
}

func (m *model) addLogEntry(message string, isError bool) {
	entry := logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.eventLog = append(m.eventLog, entry)

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	statsLabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	statsValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("TURNTABLE - LINK MONITOR"))
	s.WriteString("\n")
	mode := "Anomalies only"
	if m.showAll {
		mode = "All frames"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | Press 'q' to quit", m.connInfo, mode)))
	s.WriteString("\n\n")

	// Link status
	switch {
	case m.disconnected:
		s.WriteString(errorStyle.Render("✗ Disconnected"))
	case !m.initialized:
		s.WriteString(warningStyle.Render("⏳ Waiting for first heartbeat..."))
	case m.overdue:
		s.WriteString(errorStyle.Render(fmt.Sprintf("✗ Heartbeat overdue (last S%d)", m.lastCounter)))
	default:
		s.WriteString(statsValueStyle.Render(fmt.Sprintf("✓ Alive (S%d)", m.lastCounter)))
		s.WriteString(headerStyle.Render(" for " + formatUptime(time.Since(m.firstBeat))))
	}
	s.WriteString("\n\n")

	// Statistics
	m.stats.CalculateRates()
	var errorPercent float64
	if m.stats.TotalFrames > 0 {
		errorPercent = float64(m.stats.DecodeErrors) * 100.0 / float64(m.stats.TotalFrames)
	}

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalFrames)),
		statsLabelStyle.Render("Heartbeats:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.Heartbeats)),
		statsLabelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", m.stats.DecodeErrors, errorPercent)),
	))

	if m.tracker.Jumps > 0 || m.tracker.Gaps > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("Counter Jumps:"), errorStyle.Render(fmt.Sprintf("%d", m.tracker.Jumps)),
			statsLabelStyle.Render("Gaps:"), errorStyle.Render(fmt.Sprintf("%d", m.tracker.Gaps)),
		))
	}

	if m.lastPosition != nil {
		statsContent.WriteString(fmt.Sprintf("%s %s\n",
			statsLabelStyle.Render("Last Position:"), statsValueStyle.Render(fmt.Sprintf("%d steps", *m.lastPosition)),
		))
	}

	errorRate := statsValueStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
	if m.stats.ErrorRate > 0 {
		errorRate = errorStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
	}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s",
		statsLabelStyle.Render("Frame Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frames/s", m.stats.FrameRate)),
		statsLabelStyle.Render("Error Rate:"), errorRate,
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	// Reserve space for header and stats
	logHeight := max(m.height-13, 5)

	logContent := strings.Builder{}
	startIdx := max(len(m.eventLog)-logHeight, 0)

	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for _, entry := range m.eventLog[startIdx:] {
			timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
