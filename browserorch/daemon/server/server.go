// Package server implements the browser-daemon HTTP API that
// browserorch/daemon's HTTPController talks to. One playwright-go browser
// context backs each session; instances are created lazily on Start/Launch
// and torn down on Stop, one context per orchestrator session rather than a
// shared N-instance pool.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/labrun/orchestrator/logger"
)

type session struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	port    int
}

// Server hosts one playwright.Playwright driver shared across all sessions'
// isolated browser contexts.
type Server struct {
	mu       sync.Mutex
	pw       *playwright.Playwright
	sessions map[string]*session
	nextPort int
}

// New starts the Playwright driver process.
func New(streamPortLo int) (*Server, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	return &Server{pw: pw, sessions: make(map[string]*session), nextPort: streamPortLo}, nil
}

// Close stops every session's browser and the Playwright driver.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.browser.Close()
		delete(s.sessions, id)
	}
	s.pw.Stop()
}

var launchOptions = playwright.BrowserTypeLaunchOptions{
	Headless: playwright.Bool(true),
	Args: []string{
		"--disable-blink-features=AutomationControlled",
		"--disable-dev-shm-usage",
		"--no-sandbox",
		"--disable-setuid-sandbox",
		"--disable-gpu",
	},
}

func (s *Server) createSession(sessionID string) (*session, error) {
	browser, err := s.pw.Chromium.Launch(launchOptions)
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	ctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport:  &playwright.Size{Width: 1280, Height: 800},
		UserAgent: playwright.String("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36"),
		Locale:    playwright.String("en-US"),
	})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("new context: %w", err)
	}

	page, err := ctx.NewPage()
	if err != nil {
		ctx.Close()
		browser.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(30000)
	page.SetDefaultNavigationTimeout(30000)

	s.mu.Lock()
	port := s.nextPort
	s.nextPort++
	sess := &session{browser: browser, context: ctx, page: page, port: port}
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	return sess, nil
}

func (s *Server) get(sessionID string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

func (s *Server) remove(sessionID string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	return sess, ok
}

// Router returns an http.Handler implementing the daemon API contract.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/sessions/", s.handleSession)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleSession dispatches /sessions/{id}/{action} requests through a
// single mux pattern rather than a full router, since this API has no
// chi dependency of its own.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID, action, ok := splitSessionPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "start":
		s.handleStart(w, r, sessionID)
	case "stop":
		s.handleStop(w, r, sessionID)
	case "navigate":
		s.handleNavigate(w, r, sessionID)
	case "status":
		s.handleStatus(w, r, sessionID)
	case "current-url":
		s.handleCurrentURL(w, r, sessionID)
	case "launch":
		s.handleStart(w, r, sessionID)
	case "commands":
		s.handleCommand(w, r, sessionID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body struct {
		URL string `json:"url"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	sess, ok := s.get(sessionID)
	if !ok {
		created, err := s.createSession(sessionID)
		if err != nil {
			logger.Error("daemon session create failed", zap.String("session_id", sessionID), zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sess = created
	}
	if body.URL != "" {
		if _, err := sess.page.Goto(body.URL, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateNetworkidle}); err != nil {
			logger.Warn("daemon initial navigation failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	writeJSON(w, map[string]int{"port": sess.port})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, ok := s.remove(sessionID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	sess.context.Close()
	sess.browser.Close()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, ok := s.get(sessionID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if _, err := sess.page.Goto(body.URL, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateNetworkidle}); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, ok := s.get(sessionID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]interface{}{"running": true, "ready": true, "port": sess.port})
}

func (s *Server) handleCurrentURL(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, ok := s.get(sessionID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]string{"url": sess.page.URL()})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, ok := s.get(sessionID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	var cmd struct {
		ID     string `json:"id"`
		Script string `json:"script"`
	}
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := sess.page.Evaluate(cmd.Script)
	if err != nil {
		writeJSON(w, map[string]interface{}{"id": cmd.ID, "success": false, "error": err.Error()})
		return
	}
	data, _ := json.Marshal(result)
	writeJSON(w, map[string]interface{}{"id": cmd.ID, "success": true, "data": json.RawMessage(data)})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func splitSessionPath(path string) (sessionID, action string, ok bool) {
	const prefix = "/sessions/"
	if len(path) <= len(prefix) {
		return "", "", false
	}
	rest := path[len(prefix):]
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}
