// Package preview routes workspace preview traffic to the dev server
// running inside the workspace's container. Plain HTTP is forwarded
// through a reverse proxy; upgrade requests for hot-reload sockets are
// pumped bidirectionally over WebSocket.
package preview

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workbench-labs/workbench/internal/config"
	"github.com/workbench-labs/workbench/internal/orchestrator"
	"github.com/workbench-labs/workbench/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Proxy forwards preview traffic for workspaces, caching the resolved
// container port per workspace as a preview session.
type Proxy struct {
	cfg  *config.Config
	orch *orchestrator.Manager

	mu       sync.RWMutex
	sessions map[string]*models.PreviewSession

	done chan struct{}
	once sync.Once
}

// NewProxy creates the proxy and starts its idle-session sweeper
func NewProxy(cfg *config.Config, orch *orchestrator.Manager) *Proxy {
	p := &Proxy{
		cfg:      cfg,
		orch:     orch,
		sessions: make(map[string]*models.PreviewSession),
		done:     make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Close stops the sweeper
func (p *Proxy) Close() {
	p.once.Do(func() { close(p.done) })
}

// HandleRequest proxies a plain HTTP preview request for a workspace.
// The authenticated user must own the workspace's container.
func (p *Proxy) HandleRequest(w http.ResponseWriter, r *http.Request, workspaceID, userID string) {
	if workspaceID == "" {
		writeJSONError(w, http.StatusBadRequest, "Workspace ID required", "")
		return
	}
	if userID == "" {
		writeJSONError(w, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	record, ok := p.orch.Record(workspaceID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "Preview not available",
			"Workspace not found. Start a terminal session first.")
		return
	}
	if record.UserID != userID {
		writeJSONError(w, http.StatusForbidden, "Access denied", "")
		return
	}

	port := p.resolveSession(workspaceID, record)
	if port == 0 {
		writeJSONError(w, http.StatusInternalServerError, "Preview port not configured", "")
		return
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	prefix := p.pathPrefix(workspaceID)

	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		// The downstream dev server sees a normal relative path
		req.URL.Path = stripPrefix(req.URL.Path, prefix)
		req.Header.Set("X-Forwarded-For", clientAddr(r))
		req.Header.Set("X-Forwarded-Proto", requestScheme(r))
		req.Header.Set("X-Forwarded-Host", r.Host)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Printf("[preview] proxy error for %s: %v", workspaceID, err)
		writeJSONError(w, http.StatusBadGateway, "Preview server not responding",
			"Make sure your dev server is running (npm run dev)")
	}

	proxy.ServeHTTP(w, r)
}

// HandleUpgrade forwards a connection-upgrade request (hot-reload
// sockets) to the workspace's dev server. A preview session must
// already exist from a prior plain request; upgrade-only traffic never
// creates routing state.
func (p *Proxy) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	workspaceID := workspaceIDFromPath(r.URL.Path)

	p.mu.RLock()
	session, ok := p.sessions[workspaceID]
	var port int
	if ok {
		port = session.Port
	}
	p.mu.RUnlock()

	if workspaceID == "" || !ok {
		log.Printf("[preview] upgrade rejected: no session for %q", workspaceID)
		destroySocket(w)
		return
	}

	p.touch(workspaceID)

	backendURL := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("127.0.0.1:%d", port),
		Path:     stripPrefix(r.URL.Path, p.pathPrefix(workspaceID)),
		RawQuery: r.URL.RawQuery,
	}

	dialCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	backendConn, _, err := websocket.DefaultDialer.DialContext(dialCtx, backendURL.String(), nil)
	if err != nil {
		log.Printf("[preview] failed to reach dev server for %s: %v", workspaceID, err)
		destroySocket(w)
		return
	}
	defer backendConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[preview] upgrade failed for %s: %v", workspaceID, err)
		return
	}
	defer clientConn.Close()

	log.Printf("[preview] upgrade for %s -> %s", workspaceID, backendURL.Host)

	errChan := make(chan error, 2)
	go func() { errChan <- pumpMessages(clientConn, backendConn) }()
	go func() { errChan <- pumpMessages(backendConn, clientConn) }()

	if err := <-errChan; err != nil && err != io.EOF {
		log.Printf("[preview] pump error for %s: %v", workspaceID, err)
	}
}

// PreviewURL returns the routing path for a workspace's preview, or ""
// when no session exists yet.
func (p *Proxy) PreviewURL(workspaceID string) string {
	p.mu.RLock()
	_, ok := p.sessions[workspaceID]
	p.mu.RUnlock()
	if !ok {
		return ""
	}
	return p.pathPrefix(workspaceID) + "/"
}

// Session returns a copy of the cached preview session for a
// workspace, if any. Copies keep callers decoupled from the
// last-access bookkeeping mutated under p.mu.
func (p *Proxy) Session(workspaceID string) (models.PreviewSession, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	session, ok := p.sessions[workspaceID]
	if !ok {
		return models.PreviewSession{}, false
	}
	return *session, true
}

// CloseSession drops the routing session for a workspace
func (p *Proxy) CloseSession(workspaceID string) {
	p.mu.Lock()
	delete(p.sessions, workspaceID)
	p.mu.Unlock()
	log.Printf("[preview] session closed: %s", workspaceID)
}

// Stats returns a snapshot of all preview sessions
func (p *Proxy) Stats() []models.PreviewSession {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sessions := make([]models.PreviewSession, 0, len(p.sessions))
	for _, session := range p.sessions {
		sessions = append(sessions, *session)
	}
	return sessions
}

// resolveSession returns the workspace's preview port, creating the
// session lazily from the container's port binding on first access,
// and bumps its last-access bookkeeping. Returns 0 when the container
// has no binding for the configured internal port.
func (p *Proxy) resolveSession(workspaceID string, record models.ContainerRecord) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	session, ok := p.sessions[workspaceID]
	if !ok {
		port := record.ExternalPort(p.cfg.InternalPort)
		if port == 0 {
			return 0
		}
		session = &models.PreviewSession{
			WorkspaceID: workspaceID,
			Port:        port,
		}
		p.sessions[workspaceID] = session
	}

	session.LastAccess = time.Now()
	session.AccessCount++
	return session.Port
}

func (p *Proxy) touch(workspaceID string) {
	p.mu.Lock()
	if session, ok := p.sessions[workspaceID]; ok {
		session.LastAccess = time.Now()
		session.AccessCount++
	}
	p.mu.Unlock()
}

func (p *Proxy) pathPrefix(workspaceID string) string {
	return "/api/v1/preview/" + workspaceID
}

func (p *Proxy) sweepLoop() {
	ticker := time.NewTicker(p.cfg.PreviewSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Proxy) sweep() {
	cutoff := time.Now().Add(-p.cfg.PreviewIdleTimeout)

	p.mu.Lock()
	for workspaceID, session := range p.sessions {
		if session.LastAccess.Before(cutoff) {
			log.Printf("[preview] cleaning up inactive session: %s", workspaceID)
			delete(p.sessions, workspaceID)
		}
	}
	p.mu.Unlock()
}

// pumpMessages copies WebSocket messages from src to dst until either
// side closes.
func pumpMessages(src, dst *websocket.Conn) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[preview] websocket error: %v", err)
			}
			return err
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}

// workspaceIDFromPath recovers the workspace id from a preview path,
// e.g. /api/v1/preview/<id>/some/asset.
func workspaceIDFromPath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "preview" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func stripPrefix(path, prefix string) string {
	stripped := strings.TrimPrefix(path, prefix)
	if stripped == "" || !strings.HasPrefix(stripped, "/") {
		stripped = "/" + stripped
	}
	return stripped
}

// destroySocket tears the underlying connection down without an HTTP
// response, matching how failed upgrades must not leak a half-open conn.
func destroySocket(w http.ResponseWriter) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

func clientAddr(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		addr = addr[:i]
	}
	return addr
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func writeJSONError(w http.ResponseWriter, status int, errMsg, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body := map[string]string{"error": errMsg}
	if message != "" {
		body["message"] = message
	}
	json.NewEncoder(w).Encode(body)
}
