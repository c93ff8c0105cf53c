// Package terminal bridges WebSocket clients to workspace containers:
// it lazily provisions the container, translates command envelopes into
// orchestrator executions, and streams results back in order.
package terminal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workbench-labs/workbench/internal/config"
	"github.com/workbench-labs/workbench/internal/orchestrator"
	"github.com/workbench-labs/workbench/internal/ratelimit"
	"github.com/workbench-labs/workbench/pkg/models"
)

// Close codes sent before dropping a connection
const (
	closeMissingParams  = 4001
	closeCreationFailed = 4000
)

const historyLimit = 100

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Session ties one live connection to one workspace
type Session struct {
	WorkspaceID string
	UserID      string

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
	history      []string
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// recordCommand appends to the bounded history ring, evicting oldest first
func (s *Session) recordCommand(command string) {
	s.mu.Lock()
	s.history = append(s.history, command)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.mu.Unlock()
}

// Gateway accepts terminal connections and maps them onto workspaces
type Gateway struct {
	cfg     *config.Config
	orch    *orchestrator.Manager
	limiter *ratelimit.Window

	mu       sync.RWMutex
	sessions map[string]*Session

	done chan struct{}
	once sync.Once
}

// NewGateway creates the gateway and starts its idle-session sweeper
func NewGateway(cfg *config.Config, orch *orchestrator.Manager) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		orch:     orch,
		limiter:  ratelimit.NewWindow(cfg.CommandsPerMinute, time.Minute),
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	go g.sweepLoop()
	return g
}

// Close stops the sweeper and disconnects every session
func (g *Gateway) Close() {
	g.once.Do(func() { close(g.done) })

	g.mu.Lock()
	for id, session := range g.sessions {
		session.conn.Close()
		delete(g.sessions, id)
	}
	g.mu.Unlock()
}

// ActiveSessions returns the number of live terminal sessions
func (g *Gateway) ActiveSessions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// BroadcastToWorkspace sends a notice to every session on a workspace
func (g *Gateway) BroadcastToWorkspace(workspaceID, msgType, content string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, session := range g.sessions {
		if session.WorkspaceID == workspaceID {
			g.send(session, msgType, content)
		}
	}
}

// HandleConnection upgrades the request and runs the session until the
// client disconnects. Identifying parameters arrive as query values;
// token verification itself is the identity collaborator's job.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[terminal] upgrade failed: %v", err)
		return
	}

	query := r.URL.Query()
	workspaceID := query.Get("workspaceId")
	userID := query.Get("userId")
	token := query.Get("token")

	if workspaceID == "" || userID == "" || token == "" {
		closeWithCode(conn, closeMissingParams, "Missing required parameters")
		return
	}

	session := &Session{
		WorkspaceID:  workspaceID,
		UserID:       userID,
		conn:         conn,
		lastActivity: time.Now(),
	}

	// Lazily provision the container before the session becomes usable
	if _, ok := g.orch.Record(workspaceID); !ok {
		g.send(session, models.MsgInfo, "Creating isolated environment...")

		_, err := g.orch.CreateContainer(r.Context(), orchestrator.CreateOptions{
			WorkspaceID: workspaceID,
			UserID:      userID,
		})
		if err != nil {
			g.send(session, models.MsgError, fmt.Sprintf("Failed to create environment: %v", err))
			closeWithCode(conn, closeCreationFailed, "Container creation failed")
			return
		}

		g.send(session, models.MsgSuccess, "Environment ready!")
	}

	sessionID := userID + "-" + workspaceID
	g.mu.Lock()
	g.sessions[sessionID] = session
	g.mu.Unlock()
	log.Printf("[terminal] new session: %s", sessionID)

	g.send(session, models.MsgInfo, "Connected to workspace: "+workspaceID)
	g.send(session, models.MsgInfo, "Type 'help' for available commands")
	g.sendPrompt(session)

	defer func() {
		g.mu.Lock()
		delete(g.sessions, sessionID)
		g.mu.Unlock()
		conn.Close()
		log.Printf("[terminal] session closed: %s", sessionID)
	}()

	// Messages are handled sequentially here, which keeps command
	// execution and output delivery in submission order per session.
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[terminal] read error for %s: %v", sessionID, err)
			}
			return
		}

		if closed := g.handleMessage(r, session, payload); closed {
			return
		}
		session.touch()
	}
}

// handleMessage dispatches one inbound envelope. It reports true when
// the session was closed by the message (exit command).
func (g *Gateway) handleMessage(r *http.Request, session *Session, payload []byte) bool {
	var envelope models.ClientEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Type == "" {
		g.send(session, models.MsgError, "Invalid message format")
		return false
	}

	switch envelope.Type {
	case models.MsgCommand:
		return g.handleCommand(r, session, envelope.Command)
	case models.MsgPing:
		g.send(session, models.MsgPong, "")
	case models.MsgResize:
		// No PTY backing; acknowledged but has no effect
		log.Printf("[terminal] terminal resized: %dx%d", envelope.Cols, envelope.Rows)
	default:
		// Unknown types are ignored so newer clients stay compatible
		log.Printf("[terminal] ignoring unknown message type: %s", envelope.Type)
	}
	return false
}

func (g *Gateway) handleCommand(r *http.Request, session *Session, command string) bool {
	if !g.limiter.Allow(session.UserID) {
		g.send(session, models.MsgError, "Rate limit exceeded. Please slow down.")
		g.sendPrompt(session)
		return false
	}

	// Built-ins are intercepted before reaching the orchestrator
	switch command {
	case "help":
		g.send(session, models.MsgInfo, helpText)
		g.sendPrompt(session)
		return false
	case "clear":
		g.send(session, models.MsgClear, "")
		g.sendPrompt(session)
		return false
	case "exit":
		g.send(session, models.MsgInfo, "Closing session...")
		session.conn.Close()
		return true
	}

	session.recordCommand(command)
	g.send(session, models.MsgExecuting, command)

	result, err := g.orch.ExecuteCommand(r.Context(), session.WorkspaceID, command, orchestrator.ExecOptions{})
	switch {
	case errors.Is(err, orchestrator.ErrCommandRejected):
		g.send(session, models.MsgError, "Command not allowed")
	case err != nil:
		g.send(session, models.MsgError, fmt.Sprintf("Execution failed: %v", err))
	default:
		if result.Stdout != "" {
			g.send(session, models.MsgOutput, result.Stdout)
		}
		if result.Stderr != "" {
			g.send(session, models.MsgError, result.Stderr)
		}
		if result.ExitCode != 0 {
			g.send(session, models.MsgError, fmt.Sprintf("Command exited with code %d", result.ExitCode))
		}
	}

	g.sendPrompt(session)
	return false
}

func (g *Gateway) send(session *Session, msgType, content string) {
	session.writeMu.Lock()
	defer session.writeMu.Unlock()

	envelope := models.ServerEnvelope{
		Type:      msgType,
		Content:   content,
		Timestamp: time.Now(),
	}
	if err := session.conn.WriteJSON(envelope); err != nil {
		log.Printf("[terminal] write failed for %s: %v", session.WorkspaceID, err)
	}
}

func (g *Gateway) sendPrompt(session *Session) {
	g.send(session, models.MsgPrompt, "$ ")
}

// sweepLoop closes sessions idle beyond the configured timeout
func (g *Gateway) sweepLoop() {
	ticker := time.NewTicker(g.cfg.SessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *Gateway) sweep() {
	cutoff := time.Now().Add(-g.cfg.SessionIdleTimeout)

	g.mu.Lock()
	var expired []*Session
	for id, session := range g.sessions {
		if session.idleSince().Before(cutoff) {
			expired = append(expired, session)
			delete(g.sessions, id)
			log.Printf("[terminal] cleaning up inactive session: %s", id)
		}
	}
	g.mu.Unlock()

	for _, session := range expired {
		g.send(session, models.MsgInfo, "Session timed out due to inactivity")
		session.conn.Close()
	}
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

const helpText = `
Available Commands:
  npm install [package]  - Install npm packages
  npm run [script]       - Run package.json scripts
  npm run dev            - Start development server
  ls                     - List files
  cat [file]             - Show file contents
  mkdir [dir]            - Create directory
  cd [dir]               - Change directory
  pwd                    - Print working directory
  clear                  - Clear terminal
  help                   - Show this help
  exit                   - Close terminal session

Security Notes:
  - Commands run in an isolated container
  - Limited to safe operations only
  - Resource usage is monitored
  - Sessions time out after 30 minutes of inactivity
`
