package main

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"convai/agent"
)

// TUI message types
type statusMsg struct {
	state    agent.State
	speaking bool
}
type alertMsg struct{ Text string }
type transcriptMsg struct{ Msg agent.Message }
type shareMsg struct{ Sharing bool }
type capturedMsg struct {
	At            time.Time
	Width, Height int
}
type infoMsg struct{ Text string }
type tickMsg time.Time

const maxTranscript = 50

// controls is the part of App the TUI drives.
type controls interface {
	StartConversation(ctx context.Context) error
	StopConversation()
	ToggleScreenShare(ctx context.Context)
	CopyLastAnswer() error
	CaptureInterval() string
}

type orbMode int

const (
	orbInactive orbMode = iota
	orbListening
	orbSpeaking
)

func orbModeFor(state agent.State, speaking bool) orbMode {
	switch {
	case state != agent.Connected:
		return orbInactive
	case speaking:
		return orbSpeaking
	default:
		return orbListening
	}
}

type tuiModel struct {
	ctx  context.Context
	app  controls
	keys string // hotkey hint, empty when disabled

	state         agent.State
	speaking      bool
	sharing       bool
	lastCapture   time.Time
	captureSize   string
	alert         string
	info          string
	transcript    []agent.Message
	frame         int
	width, height int
}

// Pre-computed pixel styles to avoid allocations in render loop
var (
	pixelColorsSpeak  = []string{"", "231", "195", "159", "123", "87", "51", "45", "39", "33", "236", "236", "236", "236", "255", "249"}
	pixelColorsListen = []string{"", "231", "189", "153", "117", "75", "69", "63", "61", "60", "236", "236", "236", "236", "255", "249"}
	pixelColorsOff    = []string{"", "250", "248", "246", "244", "242", "240", "239", "238", "237", "236", "236", "236", "236", "252", "248"}
	orbStyles         [3][16]lipgloss.Style
	orbBgStyles       [3][16][16]lipgloss.Style
)

func init() {
	palettes := [3][]string{orbInactive: pixelColorsOff, orbListening: pixelColorsListen, orbSpeaking: pixelColorsSpeak}
	for mode, colors := range palettes {
		for i, c := range colors {
			if c != "" {
				orbStyles[mode][i] = lipgloss.NewStyle().Foreground(lipgloss.Color(c))
			}
		}
		for i, fg := range colors {
			for j, bg := range colors {
				if fg != "" && bg != "" {
					orbBgStyles[mode][i][j] = lipgloss.NewStyle().Foreground(lipgloss.Color(fg)).Background(lipgloss.Color(bg))
				}
			}
		}
	}
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("255"))
	alertStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpKeyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	shareStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	userStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	agentStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
)

func newTUIModel(ctx context.Context, app controls, hotkeyHint string) tuiModel {
	return tuiModel{ctx: ctx, app: app, keys: hotkeyHint}
}

func tuiTick() tea.Cmd {
	return tea.Tick(60*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		m.frame++
		return m, tuiTick()

	case statusMsg:
		m.state = msg.state
		m.speaking = msg.speaking
		if msg.state == agent.Connected {
			m.alert = ""
		}

	case alertMsg:
		m.alert = msg.Text

	case infoMsg:
		m.info = msg.Text

	case transcriptMsg:
		m.transcript = append(m.transcript, msg.Msg)
		if len(m.transcript) > maxTranscript {
			m.transcript = m.transcript[len(m.transcript)-maxTranscript:]
		}

	case shareMsg:
		m.sharing = msg.Sharing
		if !msg.Sharing {
			m.lastCapture = time.Time{}
			m.captureSize = ""
		}

	case capturedMsg:
		m.lastCapture = msg.At
		m.captureSize = fmt.Sprintf("%dx%d", msg.Width, msg.Height)
	}
	return m, nil
}

func (m tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "s":
		// Start is disabled while a session is up.
		if m.state != agent.Disconnected {
			return m, nil
		}
		m.alert = ""
		app, ctx := m.app, m.ctx
		return m, func() tea.Msg {
			app.StartConversation(ctx)
			return nil
		}
	case "e":
		if m.state == agent.Disconnected {
			return m, nil
		}
		app := m.app
		return m, func() tea.Msg {
			app.StopConversation()
			return nil
		}
	case "c":
		app, ctx := m.app, m.ctx
		return m, func() tea.Msg {
			app.ToggleScreenShare(ctx)
			return nil
		}
	case "y":
		app := m.app
		return m, func() tea.Msg {
			if err := app.CopyLastAnswer(); err != nil {
				return infoMsg{Text: "copy failed: " + err.Error()}
			}
			return infoMsg{Text: "copied last answer"}
		}
	}
	return m, nil
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	const orbWidth = 45
	mode := orbModeFor(m.state, m.speaking)
	orb := renderOrb(m.frame, mode)

	var infoLines []string
	infoLines = append(infoLines, titleStyle.Render(statusTitle(m.state, m.speaking)))
	if m.state == agent.Connecting {
		infoLines = append(infoLines, dimStyle.Render("connecting..."))
	}
	if m.alert != "" {
		infoLines = append(infoLines, alertStyle.Render("! "+m.alert))
	}
	infoLines = append(infoLines, "")

	if m.sharing {
		infoLines = append(infoLines, shareStyle.Render("● Capturing screen every "+m.app.CaptureInterval()))
		if !m.lastCapture.IsZero() {
			infoLines = append(infoLines, dimStyle.Render(fmt.Sprintf("Latest capture: %s (%s)", m.lastCapture.Format("15:04:05"), m.captureSize)))
		}
	} else {
		infoLines = append(infoLines, dimStyle.Render("○ Screen not shared"))
	}
	if m.info != "" {
		infoLines = append(infoLines, dimStyle.Render(m.info))
	}
	infoLines = append(infoLines, "")

	infoLines = append(infoLines, m.helpLine())
	infoLines = append(infoLines, helpStyle.Render("convai "+version))

	for _, line := range infoLines {
		orb += line + "\n"
	}
	orbLines := strings.Split(orb, "\n")

	logWidth := m.width - orbWidth - 1
	if logWidth < 20 {
		logWidth = 20
	}
	wrapWidth := logWidth - 2
	if wrapWidth < 10 {
		wrapWidth = 10
	}

	var logContent strings.Builder
	if len(m.transcript) == 0 {
		logContent.WriteString(dimStyle.Render("No messages yet"))
	} else {
		var lines []string
		for _, msg := range m.transcript {
			style, who := userStyle, "you"
			if msg.Source == agent.SourceAgent {
				style, who = agentStyle, "agent"
			}
			for i, line := range wrapText(who+": "+msg.Text, wrapWidth) {
				if i > 0 {
					line = "  " + line
				}
				lines = append(lines, style.Render(line))
			}
			lines = append(lines, "")
		}
		// Keep the newest lines on screen.
		if len(lines) > m.height {
			lines = lines[len(lines)-m.height:]
		}
		logContent.WriteString(strings.Join(lines, "\n"))
	}

	logPanel := lipgloss.NewStyle().
		Width(logWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(logContent.String())

	padded := make([]string, m.height)
	for i := range padded {
		if i < len(orbLines) {
			padded[i] = orbLines[i]
		} else {
			padded[i] = strings.Repeat(" ", orbWidth-1)
		}
	}
	orbPanel := lipgloss.NewStyle().
		Width(orbWidth - 1).
		Height(m.height).
		Render(strings.Join(padded, "\n"))

	return lipgloss.JoinHorizontal(lipgloss.Top, orbPanel, logPanel)
}

func (m tuiModel) helpLine() string {
	var parts []string
	add := func(key, what string) {
		parts = append(parts, helpKeyStyle.Render(key)+helpStyle.Render(" "+what))
	}
	if m.state == agent.Disconnected {
		add("s", "start")
	} else {
		add("e", "end")
	}
	if m.sharing {
		add("c", "stop share")
	} else {
		add("c", "share")
	}
	add("y", "copy")
	add("q", "quit")
	line := strings.Join(parts, helpStyle.Render("  "))
	if m.keys != "" {
		line += "\n" + helpKeyStyle.Render(m.keys) + helpStyle.Render(" to toggle")
	}
	return line
}

func renderOrb(frame int, mode orbMode) string {
	const charsW = 44
	const charsH = 15
	const pixW = charsW
	const pixH = charsH * 2

	centerX := float64(pixW) / 2
	centerY := float64(pixH) / 2

	var breathe float64
	switch mode {
	case orbSpeaking:
		breathe = math.Sin(float64(frame)*0.35)*0.06 + math.Sin(float64(frame)*0.9)*0.02
	case orbListening:
		breathe = math.Sin(float64(frame)*0.08)*0.03 - 0.02
	default:
		breathe = -0.05
	}

	pixels := make([][]int, pixH)
	for i := range pixels {
		pixels[i] = make([]int, pixW)
	}

	type ring struct {
		radius     float64
		breatheAmt float64
		colorIdx   int
	}

	rings := []ring{
		{0.6, 0.10, 1},
		{1.3, 0.12, 2},
		{2.0, 0.15, 3},
		{2.8, 0.35, 4},
		{3.5, 0.40, 5},
		{4.2, 0.38, 6},
		{5.0, 0.30, 7},
		{5.8, 0.15, 8},
		{6.5, 0.03, 9},
		{7.2, 0.0, 10},
		{8.0, 0.0, 11},
		{10.0, 0.0, 12},
		{12.0, 0.0, 13},
	}

	for y := 0; y < pixH; y++ {
		for x := 0; x < pixW; x++ {
			dx := float64(x) - centerX
			dy := float64(y) - centerY
			dist := math.Sqrt(dx*dx + dy*dy)
			for _, r := range rings {
				radius := r.radius + breathe*r.breatheAmt*20
				if radius > 10.0 {
					radius = 10.0
				}
				if dist < radius {
					pixels[y][x] = r.colorIdx
					break
				}
			}
		}
	}

	// highlight
	for y := 0; y < pixH; y++ {
		for x := 0; x < pixW; x++ {
			dx := float64(x) - (centerX - 4)
			dy := float64(y) - (centerY - 5)
			if (dx*dx)/4.0+dy*dy < 1.2 {
				pixels[y][x] = 14
			}
		}
	}

	styles := &orbStyles[mode]
	bgStyles := &orbBgStyles[mode]

	var result strings.Builder
	for cy := 0; cy < charsH; cy++ {
		for cx := 0; cx < charsW; cx++ {
			top := pixels[cy*2][cx]
			bot := pixels[cy*2+1][cx]
			switch {
			case top == 0 && bot == 0:
				result.WriteString(" ")
			case top == bot:
				result.WriteString(styles[top].Render("█"))
			case bot == 0:
				result.WriteString(styles[top].Render("▀"))
			case top == 0:
				result.WriteString(styles[bot].Render("▄"))
			default:
				result.WriteString(bgStyles[top][bot].Render("▀"))
			}
		}
		result.WriteString("\n")
	}
	return result.String()
}

// wrapText breaks on spaces, counting runes so multi-byte text is never
// split inside a character.
func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	runes := []rune(text)
	var lines []string
	for len(runes) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if runes[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, string(runes[:splitAt]))
		runes = runes[splitAt:]
		for len(runes) > 0 && runes[0] == ' ' {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		lines = append(lines, string(runes))
	}
	return lines
}

// newTUIProgram builds the program and attaches it to sink. Events sent
// before Run are delivered once the event loop starts.
func newTUIProgram(ctx context.Context, app controls, hotkeyHint string, sink *tuiSink, opts ...tea.ProgramOption) *tea.Program {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	p := tea.NewProgram(newTUIModel(ctx, app, hotkeyHint), opts...)
	sink.p = p
	return p
}

// tuiSink forwards app events into the bubbletea program. It must be
// attached before any event source starts.
type tuiSink struct {
	p *tea.Program
}

func (s *tuiSink) send(msg tea.Msg) {
	if s.p != nil {
		s.p.Send(msg)
	}
}

func (s *tuiSink) Status(state agent.State, speaking bool) {
	s.send(statusMsg{state: state, speaking: speaking})
}
func (s *tuiSink) Alert(text string)         { s.send(alertMsg{Text: text}) }
func (s *tuiSink) Message(msg agent.Message) { s.send(transcriptMsg{Msg: msg}) }
func (s *tuiSink) ScreenShare(sharing bool)  { s.send(shareMsg{Sharing: sharing}) }
func (s *tuiSink) Info(text string)          { s.send(infoMsg{Text: text}) }
func (s *tuiSink) Captured(at time.Time, width, height int) {
	s.send(capturedMsg{At: at, Width: width, Height: height})
}
