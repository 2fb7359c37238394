// Terminal client for the conductor session service. It talks to a running
// conductord over HTTP for profile and session management and over the
// events websocket for the live conversation, folding the event stream into
// a local conversation state with the same reducer the server uses.
//
// Usage:
//
//	conductor-cli --server http://127.0.0.1:8080
//
// Commands:
//
//	/exit - Exit the program
//	<message> - Send a message to the agent
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/pkg/conversation"
	"github.com/conductorhq/conductor/pkg/event"
	"github.com/conductorhq/conductor/pkg/session"
	"github.com/conductorhq/conductor/pkg/store"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1)
	statusStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Padding(0, 1)
)

type state int

const (
	stateMenu state = iota
	stateSelectingProfile
	stateSelectingSession
	stateChatting
	stateConfirmExit
)

// wsFrame mirrors the server's websocket frame format.
type wsFrame struct {
	Type     string            `json:"type"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
	Event    *event.Event      `json:"event,omitempty"`
}

type wsInput struct {
	Content string `json:"content"`
}

type errMsg struct{ err error }

type connectedMsg struct {
	sessionID string
	conn      *websocket.Conn
	snap      session.Snapshot
}

type frameMsg struct{ frame wsFrame }

type socketClosedMsg struct{ err error }

type model struct {
	api *apiClient

	// State
	state             state
	availableProfiles []store.Profile
	availableSessions []store.SessionRecord
	cursor            int
	listOffset        int
	width             int
	height            int
	err               error

	// Live session
	sessionID string
	conn      *websocket.Conn
	conv      conversation.State
	backend   session.BackendInfo
	inQuery   bool

	// UI Components
	viewport viewport.Model
	textarea textarea.Model
	renderer *glamour.TermRenderer
}

func initialModel(api *apiClient, profiles []store.Profile, sessions []store.SessionRecord) model {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 4000

	ta.SetWidth(80)
	ta.SetHeight(3)

	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)
	vp.SetContent("Welcome! Select an option.")

	// Use "light" style to avoid terminal queries that leak into input
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	startState := stateMenu
	if len(sessions) == 0 {
		// No sessions yet, go straight to the new-session flow.
		startState = stateSelectingProfile
	}

	return model{
		api:               api,
		availableProfiles: profiles,
		availableSessions: sessions,
		state:             startState,
		conv:              conversation.NewState(),
		viewport:          vp,
		textarea:          ta,
		renderer:          r,
	}
}

func (m model) Init() tea.Cmd {
	return textarea.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	// Keep menu Enter presses from leaking into the textarea.
	switch msg.(type) {
	case tea.KeyMsg:
		if m.state == stateChatting {
			m.textarea, tiCmd = m.textarea.Update(msg)
			cmds = append(cmds, tiCmd)
		}
	default:
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = msg.Height - m.textarea.Height() - 3
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}
		m.viewport.YPosition = 2

		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("light"),
			glamour.WithWordWrap(m.width-4),
		)
		if m.state == stateChatting {
			m.viewport.SetContent(m.renderConversation())
			m.viewport.GotoBottom()
		}

		// Re-clamp listOffset so the cursor stays visible after resize.
		maxViewable := m.height - 7
		if maxViewable < 1 {
			maxViewable = 1
		}
		if m.cursor < m.listOffset {
			m.listOffset = m.cursor
		}
		if m.cursor >= m.listOffset+maxViewable {
			m.listOffset = m.cursor - maxViewable + 1
		}
		if m.listOffset < 0 {
			m.listOffset = 0
		}

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.sessionID != "" {
				m.state = stateConfirmExit
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEsc:
			if m.state == stateConfirmExit {
				m.state = stateChatting
				return m, nil
			}
			if m.sessionID != "" {
				m.state = stateConfirmExit
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEnter:
			switch m.state {
			case stateMenu:
				if m.cursor == 0 {
					m.state = stateSelectingProfile
					m.cursor = 0
					m.listOffset = 0
				} else {
					sessions, err := m.api.listSessions()
					if err != nil {
						m.err = err
					} else if len(sessions) == 0 {
						m.err = fmt.Errorf("no existing sessions found")
					} else {
						m.availableSessions = sessions
						m.state = stateSelectingSession
						m.cursor = 0
						m.listOffset = 0
					}
				}
			case stateSelectingProfile:
				return m.selectProfile()
			case stateSelectingSession:
				return m.selectSession()
			case stateChatting:
				m.err = nil
				return m.sendMessage()
			}
		case tea.KeyUp:
			if m.cursor > 0 {
				m.cursor--
				if m.cursor < m.listOffset {
					m.listOffset = m.cursor
				}
			}
		case tea.KeyDown:
			var maxCursor int
			switch m.state {
			case stateMenu:
				maxCursor = 1
			case stateSelectingProfile:
				maxCursor = len(m.availableProfiles) - 1
			case stateSelectingSession:
				maxCursor = len(m.availableSessions) - 1
			}
			if m.cursor < maxCursor {
				m.cursor++
				maxViewable := m.height - 7
				if maxViewable < 1 {
					maxViewable = 1
				}
				if m.cursor >= m.listOffset+maxViewable {
					m.listOffset = m.cursor - maxViewable + 1
				}
			}
		default:
			if m.state == stateConfirmExit {
				switch msg.String() {
				case "y", "Y":
					return m, tea.Sequence(m.unloadSessionCmd(), tea.Quit)
				case "n", "N":
					return m, tea.Quit
				}
			}
		}

	case connectedMsg:
		if m.conn != nil {
			m.conn.Close()
		}
		m.sessionID = msg.sessionID
		m.conn = msg.conn
		m.conv = msg.snap.Conversation
		if m.conv.Subagents == nil {
			m.conv.Subagents = make(map[string]*conversation.Subagent)
		}
		m.backend = msg.snap.Backend
		m.inQuery = msg.snap.QueryInFlight
		m.state = stateChatting
		m.textarea.Placeholder = "Type a message..."
		m.textarea.Focus()
		m.viewport.SetContent(m.renderConversation())
		m.viewport.GotoBottom()
		cmds = append(cmds, waitForFrame(m.conn))

	case frameMsg:
		m.applyFrame(msg.frame)
		m.viewport.SetContent(m.renderConversation())
		m.viewport.GotoBottom()
		cmds = append(cmds, waitForFrame(m.conn))

	case socketClosedMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("connection lost: %w", msg.err)
		}
		m.conn = nil

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

// applyFrame folds one websocket frame into the local view. Conversation
// events go through the shared reducer; lifecycle events update the header.
func (m *model) applyFrame(f wsFrame) {
	switch f.Type {
	case "snapshot":
		if f.Snapshot != nil {
			m.conv = f.Snapshot.Conversation
			m.backend = f.Snapshot.Backend
			m.inQuery = f.Snapshot.QueryInFlight
		}
	case "event":
		if f.Event == nil {
			return
		}
		e := *f.Event
		switch e.Type {
		case event.TypeBackendCreating:
			m.backend.Status = session.BackendStarting
			if e.BackendCreating != nil {
				m.backend.StatusMessage = e.BackendCreating.StatusMessage
			}
		case event.TypeBackendReady:
			m.backend.Status = session.BackendReady
			m.backend.StatusMessage = ""
		case event.TypeBackendTerminated:
			m.backend.Status = session.BackendTerminated
			if e.BackendTerminated != nil {
				m.backend.StatusMessage = e.BackendTerminated.Reason
			}
		case event.TypeQueryStarted:
			m.inQuery = true
		case event.TypeQueryCompleted:
			m.inQuery = false
		case event.TypeQueryFailed:
			m.inQuery = false
			if e.QueryFailed != nil {
				m.err = fmt.Errorf("query failed: %s", e.QueryFailed.Error)
			}
		case event.TypeFileCreated, event.TypeFileModified, event.TypeFileDeleted,
			event.TypeOptionsUpdate:
			// Not rendered in the chat view.
		case event.TypeError:
			if e.Error != nil {
				m.err = fmt.Errorf("%s", e.Error.Message)
			}
		default:
			m.conv = conversation.Apply(m.conv, e)
		}
	}
}

func (m model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("\nError: %v", m.err))
	}

	switch m.state {
	case stateMenu:
		header := titleStyle.Render("Main Menu")

		options := []string{"New Session", "Continue Session"}
		var optionsView []string
		for i, choice := range options {
			cursor := " "
			if m.cursor == i {
				cursor = ">"
				choice = selectedItemStyle.Render(choice)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), choice))
		}

		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."

		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)

	case stateSelectingProfile:
		header := titleStyle.Render("Select Profile")

		maxViewable := m.height - 7
		if maxViewable < 1 {
			maxViewable = 1
		}

		start := m.listOffset
		end := start + maxViewable
		if end > len(m.availableProfiles) {
			end = len(m.availableProfiles)
		}

		var optionsView []string
		for i := start; i < end; i++ {
			choice := m.availableProfiles[i]
			cursor := " "
			line := fmt.Sprintf("%s (%s)", choice.Name, choice.Engine)
			if m.cursor == i {
				cursor = ">"
				line = selectedItemStyle.Render(line)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
		}

		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."

		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)

	case stateSelectingSession:
		header := titleStyle.Render("Select Session")

		maxViewable := m.height - 7
		if maxViewable < 1 {
			maxViewable = 1
		}

		start := m.listOffset
		end := start + maxViewable
		if end > len(m.availableSessions) {
			end = len(m.availableSessions)
		}

		var optionsView []string
		for i := start; i < end; i++ {
			choice := m.availableSessions[i]
			cursor := " "
			title := choice.Title
			if title == "" {
				title = choice.ID
			}
			line := fmt.Sprintf("%s [%s] (%s)", title, choice.Engine, choice.Modified.Format(time.RFC822))
			if m.cursor == i {
				cursor = ">"
				line = selectedItemStyle.Render(line)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
		}

		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."

		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)

	case stateConfirmExit:
		header := titleStyle.Render("Confirm Exit")
		prompt := "Unload session? (y/n)"
		subtext := "Unloading tears down the execution backend; the transcript is kept."

		return lipgloss.JoinVertical(
			lipgloss.Left,
			header,
			"",
			prompt,
			subtext,
			errorView,
		)
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render("Conductor")+statusStyle.Render(m.statusLine()),
		"",
		m.viewport.View(),
		"",
		errorView,
		m.textarea.View(),
	)
}

func (m model) statusLine() string {
	status := string(m.backend.Status)
	if m.backend.StatusMessage != "" {
		status += ": " + m.backend.StatusMessage
	}
	if m.inQuery {
		status += " | working..."
	}
	return status
}

// Actions

func (m model) selectProfile() (model, tea.Cmd) {
	profileID := ""
	if len(m.availableProfiles) > 0 && m.cursor < len(m.availableProfiles) {
		profileID = m.availableProfiles[m.cursor].ID
	}

	api := m.api
	return m, func() tea.Msg {
		rec, err := api.createSession(profileID, "")
		if err != nil {
			return errMsg{err}
		}
		return connect(api, rec.ID)
	}
}

func (m model) selectSession() (model, tea.Cmd) {
	selected := m.availableSessions[m.cursor]

	api := m.api
	return m, func() tea.Msg {
		return connect(api, selected.ID)
	}
}

// connect dials the events websocket and waits for the snapshot frame the
// server always sends first.
func connect(api *apiClient, sessionID string) tea.Msg {
	conn, err := api.dialEvents(sessionID)
	if err != nil {
		return errMsg{err}
	}

	var first wsFrame
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return errMsg{fmt.Errorf("failed to read snapshot: %w", err)}
	}
	if first.Type != "snapshot" || first.Snapshot == nil {
		conn.Close()
		return errMsg{fmt.Errorf("unexpected first frame %q", first.Type)}
	}
	return connectedMsg{sessionID: sessionID, conn: conn, snap: *first.Snapshot}
}

func (m model) sendMessage() (model, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" {
		return m, nil
	}

	if v == "/exit" {
		m.state = stateConfirmExit
		m.textarea.Reset()
		return m, nil
	}

	if m.conn == nil {
		m.err = fmt.Errorf("not connected")
		return m, nil
	}

	m.textarea.Reset()

	conn := m.conn
	return m, func() tea.Msg {
		// The user block and the reply arrive back as events on the socket.
		if err := conn.WriteJSON(wsInput{Content: v}); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m model) unloadSessionCmd() tea.Cmd {
	api, id, conn := m.api, m.sessionID, m.conn
	return func() tea.Msg {
		if conn != nil {
			conn.Close()
		}
		if id != "" {
			if err := api.unloadSession(id); err != nil {
				slog.Error("Failed to unload session", "error", err)
			}
		}
		return nil
	}
}

func waitForFrame(conn *websocket.Conn) tea.Cmd {
	return func() tea.Msg {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return socketClosedMsg{}
			}
			return socketClosedMsg{err: err}
		}
		return frameMsg{frame: f}
	}
}

// Rendering

func (m model) renderConversation() string {
	var sb strings.Builder
	for _, b := range m.conv.Main {
		m.renderBlock(&sb, b, "")
		if b.Type == event.BlockSubagent && b.Subagent != nil {
			if sub, ok := m.conv.Subagents[b.Subagent.ToolUseID]; ok {
				for _, nested := range sub.Blocks {
					m.renderBlock(&sb, nested, "  ")
				}
			}
		}
	}
	return sb.String()
}

func (m model) renderBlock(sb *strings.Builder, b event.Block, indent string) {
	switch b.Type {
	case event.BlockUserMessage:
		sb.WriteString(indent + userStyle.Render("User:") + "\n")
		sb.WriteString(indent + b.Content + "\n\n")

	case event.BlockAssistantText:
		sb.WriteString(indent + senderStyle.Render("AI:") + "\n")
		content := b.Content
		if m.renderer != nil {
			if rendered, err := m.renderer.Render(b.Content); err == nil {
				content = rendered
			}
		}
		sb.WriteString(indent + content + "\n")

	case event.BlockThinking:
		sb.WriteString(indent + dimStyle.Render("[thinking] "+b.Content) + "\n\n")

	case event.BlockToolUse:
		if b.ToolUse == nil {
			return
		}
		line := fmt.Sprintf("[Tool: %s]", b.ToolUse.ToolName)
		if cmdArg, ok := b.ToolUse.Input["command"].(string); ok {
			line += " " + cmdArg
		}
		sb.WriteString(indent + dimStyle.Render(line) + "\n")

	case event.BlockToolResult:
		status := "Result"
		if b.ToolResult != nil && b.ToolResult.IsError {
			status = "Error"
		}
		content := b.Content
		if len(content) > 500 {
			content = content[:500] + "..."
		}
		sb.WriteString(indent + dimStyle.Render(fmt.Sprintf("[%s] %s", status, content)) + "\n\n")

	case event.BlockSubagent:
		if b.Subagent == nil {
			return
		}
		line := fmt.Sprintf("[Subagent %s: %s]", b.Subagent.ToolUseID, b.Subagent.Status)
		if b.Subagent.Description != "" {
			line += " " + b.Subagent.Description
		}
		sb.WriteString(indent + dimStyle.Render(line) + "\n")

	case event.BlockSystem:
		sb.WriteString(indent + dimStyle.Render("[system] "+b.Content) + "\n")

	case event.BlockError:
		sb.WriteString(indent + errorStyle.Render(b.Content) + "\n")

	case event.BlockSkillLoad:
		if b.SkillLoad != nil {
			sb.WriteString(indent + dimStyle.Render("[skill] "+b.SkillLoad.Skill) + "\n")
		}
	}
}

// --- API client ---

// apiClient is a thin wrapper over the daemon's HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) getJSON(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) listProfiles() ([]store.Profile, error) {
	var profiles []store.Profile
	if err := c.getJSON("/api/profiles", &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

func (c *apiClient) listSessions() ([]store.SessionRecord, error) {
	var records []store.SessionRecord
	if err := c.getJSON("/api/sessions", &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *apiClient) createSession(profileID, title string) (store.SessionRecord, error) {
	body, err := json.Marshal(map[string]string{"profile_id": profileID, "title": title})
	if err != nil {
		return store.SessionRecord{}, err
	}
	resp, err := c.http.Post(c.base+"/api/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return store.SessionRecord{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return store.SessionRecord{}, fmt.Errorf("create session: %s", resp.Status)
	}
	var rec store.SessionRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return store.SessionRecord{}, err
	}
	return rec, nil
}

func (c *apiClient) unloadSession(id string) error {
	req, err := http.NewRequest(http.MethodDelete, c.base+"/api/sessions/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unload session: %s", resp.Status)
	}
	return nil
}

func (c *apiClient) dialEvents(sessionID string) (*websocket.Conn, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/sessions/" + sessionID + "/events"

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", u.String(), err)
	}
	return conn, nil
}

// --- Main ---

func main() {
	var serverURL string
	var logPath string

	root := &cobra.Command{
		Use:          "conductor-cli",
		Short:        "Terminal client for the conductor session service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(serverURL, logPath)
		},
	}
	root.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "daemon base URL")
	root.Flags().StringVar(&logPath, "log", "conductor-cli.log", "debug log file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(serverURL, logPath string) error {
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	logLevel := slog.LevelInfo
	if lv := os.Getenv("LOG_LEVEL"); lv != "" {
		switch strings.ToUpper(lv) {
		case "DEBUG":
			logLevel = slog.LevelDebug
		case "WARN":
			logLevel = slog.LevelWarn
		case "ERROR":
			logLevel = slog.LevelError
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel})))

	api := newAPIClient(serverURL)

	profiles, err := api.listProfiles()
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", serverURL, err)
	}
	sessions, err := api.listSessions()
	if err != nil {
		return err
	}

	p := tea.NewProgram(initialModel(api, profiles, sessions))
	if _, err := p.Run(); err != nil {
		return err
	}
	return nil
}
