// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/turntable/pkg/capture"
	"github.com/Thermoquad/turntable/pkg/engine"
	"github.com/Thermoquad/turntable/pkg/input"
	"github.com/Thermoquad/turntable/pkg/turnproto"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	controlTickInterval = 200 * time.Millisecond
	stickSteps          = 16 // key presses from centre to full deflection, both sides
	stickGaugeWidth     = 25
	maxPhotoCount       = 9999
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// rigStatus is the engine state shown in the status box
type rigStatus interface {
	State() engine.State
	Stats() turnproto.Statistics
}

// runTracker reports the active capture run
type runTracker interface {
	Active() *capture.Run
}

// runSettings holds the parameters of runs started from input
type runSettings interface {
	RunSettings() input.RunSettings
	SetRunSettings(input.RunSettings)
}

var (
	_ rigStatus   = (*engine.Engine)(nil)
	_ runTracker  = (*capture.Coordinator)(nil)
	_ runSettings = (*input.Router)(nil)
)

// controlDeps wires the control model to a session
type controlDeps struct {
	connInfo string
	folder   string
	mapping  input.Mapping
	src      *input.ChannelSource
	rig      rigStatus
	runs     runTracker
	settings runSettings
	logs     <-chan string
}

// controlModel is the Bubble Tea model for the control TUI
type controlModel struct {
	controlDeps

	// Virtual stick
	stick      *input.Binding
	stickValue float64
	buttons    map[input.Action]string

	// Run settings
	photoInput textinput.Model
	editing    bool
	progress   progress.Model

	// Status
	state       engine.State
	stats       turnproto.Statistics
	run         *capture.Run
	runReported bool
	position    *int32
	halted      bool
	haltErr     error

	eventLog      []logEntry
	maxLogEntries int

	// UI state
	width    int
	height   int
	quitting bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type controlTickMsg time.Time

type positionMsg int32

type engineHaltedMsg struct {
	err error
}

type logLineMsg string

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialControlModel(deps controlDeps) controlModel {
	ti := textinput.New()
	ti.Placeholder = "36"
	ti.CharLimit = 4
	ti.Width = 6
	ti.Prompt = ""

	m := controlModel{
		controlDeps:   deps,
		buttons:       make(map[input.Action]string),
		photoInput:    ti,
		progress:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		eventLog:      make([]logEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}

	if b, ok := deps.mapping.Find(input.ActionCircular); ok && b.Axis != nil {
		m.stick = &b
		m.stickValue = stickCentre(*b.Axis)
	}
	for _, action := range []input.Action{input.ActionStop, input.ActionStart, input.ActionGetPosition} {
		if b, ok := deps.mapping.Find(action); ok {
			m.buttons[action] = b.Code
		}
	}
	return m
}

// stickCentre is the middle of the zero range
func stickCentre(s input.AxisSettings) float64 {
	return (s.ZeroRange[0] + s.ZeroRange[1]) / 2
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m controlModel) Init() tea.Cmd {
	return tea.Batch(controlTickCmd(), waitForLogLine(m.logs))
}

func controlTickCmd() tea.Cmd {
	return tea.Tick(controlTickInterval, func(t time.Time) tea.Msg {
		return controlTickMsg(t)
	})
}

// waitForLogLine delivers the next log line to the event log
func waitForLogLine(logs <-chan string) tea.Cmd {
	if logs == nil {
		return nil
	}
	return func() tea.Msg {
		return logLineMsg(<-logs)
	}
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = min(max(m.width-30, 10), 60)

	case controlTickMsg:
		m.refresh()
		return m, controlTickCmd()

	case positionMsg:
		pos := int32(msg)
		m.position = &pos
		m.addLogEntry(fmt.Sprintf("Position: %d steps", pos), false)

	case engineHaltedMsg:
		m.halted = true
		m.haltErr = msg.err
		m.addLogEntry(fmt.Sprintf("Engine halted: %v", msg.err), true)

	case logLineMsg:
		m.addLogEntry(string(msg), strings.Contains(string(msg), "ERROR") || strings.Contains(string(msg), "WARN"))
		return m, waitForLogLine(m.logs)
	}

	return m, nil
}

func (m controlModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.editing {
		return m.handleEditKey(msg)
	}

	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	}

	if m.halted {
		return m, nil
	}

	switch msg.String() {
	case "left", "h":
		m.deflect(-1)
	case "right", "l":
		m.deflect(1)
	case " ":
		m.centre()
	case "s":
		m.press(input.ActionStop)
		if m.stick != nil {
			m.stickValue = stickCentre(*m.stick.Axis)
		}
	case "enter":
		m.press(input.ActionStart)
	case "z":
		m.press(input.ActionGetPosition)
	case "n":
		m.editing = true
		m.photoInput.SetValue(strconv.Itoa(m.settings.RunSettings().PhotoCount))
		m.photoInput.CursorEnd()
		cmd := m.photoInput.Focus()
		return m, cmd
	}
	return m, nil
}

func (m controlModel) handleEditKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		m.applyPhotoCount()
		fallthrough
	case "esc":
		m.editing = false
		m.photoInput.Blur()
		return m, nil
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.photoInput, cmd = m.photoInput.Update(msg)
	return m, cmd
}

//////////////////////////////////////////////////////////////
// Input
//////////////////////////////////////////////////////////////

// deflect moves the virtual stick one step in dir
func (m *controlModel) deflect(dir float64) {
	if m.stick == nil {
		m.addLogEntry("No circular axis in the input mapping", true)
		return
	}
	s := m.stick.Axis
	step := (s.MaxValue - s.MinValue) / (2 * stickSteps)
	m.stickValue = min(max(m.stickValue+dir*step, s.MinValue), s.MaxValue)
	m.emit(input.Event{Code: m.stick.Code, Value: m.stickValue})
}

// centre returns the virtual stick to its rest position
func (m *controlModel) centre() {
	if m.stick == nil {
		return
	}
	m.stickValue = stickCentre(*m.stick.Axis)
	m.emit(input.Event{Code: m.stick.Code, Value: m.stickValue})
}

// press sends a button press and release for action
func (m *controlModel) press(action input.Action) {
	code, ok := m.buttons[action]
	if !ok {
		m.addLogEntry(fmt.Sprintf("No %s button in the input mapping", action), true)
		return
	}
	m.emit(input.Event{Code: code, Value: 1})
	m.emit(input.Event{Code: code, Value: 0})
}

func (m *controlModel) emit(ev input.Event) {
	if !m.src.TrySend(ev) {
		m.addLogEntry(fmt.Sprintf("Input queue full, dropped %s", ev), true)
	}
}

func (m *controlModel) applyPhotoCount() {
	value := strings.TrimSpace(m.photoInput.Value())
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 || n > maxPhotoCount {
		m.addLogEntry(fmt.Sprintf("Invalid photo count: %q", value), true)
		return
	}
	run := m.settings.RunSettings()
	run.PhotoCount = n
	m.settings.SetRunSettings(run)
	m.addLogEntry(fmt.Sprintf("Next series: %d photos at %g rpm", run.PhotoCount, run.RPM), false)
}

//////////////////////////////////////////////////////////////
// Status
//////////////////////////////////////////////////////////////

// refresh polls engine and capture state
func (m *controlModel) refresh() {
	m.state = m.rig.State()
	m.stats = m.rig.Stats()

	if run := m.runs.Active(); run != nil && run != m.run {
		m.run = run
		m.runReported = false
		_, total := run.Progress()
		m.addLogEntry(fmt.Sprintf("Photo series started: %d photos", total), false)
	}

	if m.run == nil || m.runReported {
		return
	}
	select {
	case <-m.run.Done():
	default:
		return
	}
	m.runReported = true
	state, _ := m.run.State()
	done, total := m.run.Progress()
	if state == capture.Failed {
		m.addLogEntry(fmt.Sprintf("Photo series failed after %d of %d photos: %v", done, total, m.run.Wait()), true)
	} else {
		m.addLogEntry(fmt.Sprintf("Photo series %s: %d of %d photos", strings.ToLower(state.String()), done, total), false)
	}
}

func (m *controlModel) addLogEntry(message string, isError bool) {
	entry := logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.eventLog = append(m.eventLog, entry)

	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

var (
	focusedBoxStyle = boxStyle.
			BorderForeground(lipgloss.Color("12"))

	markerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("12"))
)

func (m controlModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	// Header
	s.WriteString(titleStyle.Render("TURNTABLE CONTROL"))
	s.WriteString(" ")
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | %s | q=quit", m.connInfo, m.folder)))
	s.WriteString("\n\n")

	if m.halted {
		s.WriteString(errorStyle.Render(fmt.Sprintf("✗ Engine halted: %v (press q to quit)", m.haltErr)))
		s.WriteString("\n\n")
	}

	left := boxStyle.Width(36).Render(m.renderStatus())
	stickBox := boxStyle
	if !m.editing {
		stickBox = focusedBoxStyle
	}
	right := stickBox.Width(max(m.width-44, 30)).Render(m.renderStick())
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right))
	s.WriteString("\n")

	runBox := boxStyle
	if m.editing {
		runBox = focusedBoxStyle
	}
	s.WriteString(runBox.Width(m.width - 4).Render(m.renderRun()))
	s.WriteString("\n")

	s.WriteString(headerStyle.Render(" ←/→ stick  space centre  s stop  enter start  z position  n photos"))
	s.WriteString("\n\n")

	s.WriteString(m.renderEventLog())

	return s.String()
}

func (m controlModel) renderStatus() string {
	var s strings.Builder

	stateStyle := statsValueStyle
	switch m.state {
	case engine.Faulted:
		stateStyle = errorStyle
	case engine.Uninitialized, engine.Initializing, engine.Stopped:
		stateStyle = warningStyle
	}
	s.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render("Engine:"), stateStyle.Render(m.state.String())))

	pos := "unknown"
	if m.position != nil {
		pos = fmt.Sprintf("%d steps", *m.position)
	}
	s.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render("Position:"), statsValueStyle.Render(pos)))

	s.WriteString(fmt.Sprintf("%s %s  %s %s\n",
		statsLabelStyle.Render("Heartbeats:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.Heartbeats)),
		statsLabelStyle.Render("Cmds:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.CommandsSent)),
	))

	decodeErrors := statsValueStyle.Render("0")
	if m.stats.DecodeErrors > 0 {
		decodeErrors = errorStyle.Render(fmt.Sprintf("%d", m.stats.DecodeErrors))
	}
	s.WriteString(fmt.Sprintf("%s %s  %s %s",
		statsLabelStyle.Render("Frames:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalFrames)),
		statsLabelStyle.Render("Errors:"), decodeErrors,
	))
	return s.String()
}

func (m controlModel) renderStick() string {
	if m.stick == nil {
		return headerStyle.Render("No circular axis mapped")
	}
	s := *m.stick.Axis

	frac := (m.stickValue - s.MinValue) / (s.MaxValue - s.MinValue)
	marker := int(frac*float64(stickGaugeWidth-1) + 0.5)
	gauge := strings.Repeat("─", marker) + markerStyle.Render("●") + strings.Repeat("─", stickGaugeWidth-1-marker)

	speed := s.Speed(m.stickValue)
	speedText := statsValueStyle.Render("stopped")
	if speed != 0 {
		speedText = statsValueStyle.Render(fmt.Sprintf("%+.1f rpm", speed))
	}

	return fmt.Sprintf("%s %s (%s)\n%s\n%s %s",
		statsLabelStyle.Render("Stick:"), m.stick.Code, s.Axis,
		"["+gauge+"]",
		statsLabelStyle.Render("Speed:"), speedText,
	)
}

func (m controlModel) renderRun() string {
	var s strings.Builder

	run := m.settings.RunSettings()
	s.WriteString(statsLabelStyle.Render("Photos: "))
	if m.editing {
		s.WriteString(m.photoInput.View())
		s.WriteString(headerStyle.Render(" (enter apply, esc cancel)"))
	} else {
		s.WriteString(fmt.Sprintf("[%d]", run.PhotoCount))
	}
	s.WriteString(fmt.Sprintf("  %s %g\n", statsLabelStyle.Render("RPM:"), run.RPM))

	if m.run == nil {
		s.WriteString(headerStyle.Render("No photo series yet"))
		return s.String()
	}
	state, index := m.run.State()
	done, total := m.run.Progress()
	var pct float64
	if total > 0 {
		pct = float64(done) / float64(total)
	}
	s.WriteString(m.progress.ViewAs(pct))
	s.WriteString(fmt.Sprintf(" %d/%d ", done, total))
	label := state.String()
	if !state.Terminal() && index >= 0 {
		label = fmt.Sprintf("%s (target %d)", label, index+1)
	}
	if state == capture.Failed {
		s.WriteString(errorStyle.Render(label))
	} else {
		s.WriteString(statsValueStyle.Render(label))
	}
	return s.String()
}

func (m controlModel) renderEventLog() string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("EVENTS"))
	s.WriteString("\n")

	logHeight := max(m.height-20, 5)
	startIdx := max(len(m.eventLog)-logHeight, 0)

	if len(m.eventLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for _, entry := range m.eventLog[startIdx:] {
			timestamp := entry.timestamp.Format("15:04:05.000")
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyle
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(timestamp),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}
