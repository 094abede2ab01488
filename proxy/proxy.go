// Package proxy is the Subdomain Proxy Router: a single listener that
// parses Host as <sessionId>--<port>.<baseDomain> and forwards HTTP and
// WebSocket traffic to the resolved container, registered by the Session
// Orchestrator as per-session multi-port clusters.
package proxy

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/labrun/orchestrator/logger"
	"github.com/labrun/orchestrator/models"
)

const (
	retryBackoffFirst  = 50 * time.Millisecond
	retryBackoffSecond = 200 * time.Millisecond
	defaultIdleTimeout = 255 * time.Second
)

// route is one registered upstream for a (sessionId, containerPort) pair.
type route struct {
	containerPort int
	upstreamHost  string
	upstreamPort  int
}

// Router is the Subdomain Proxy Router. It holds no long-lived upstream
// connections itself, dialing per request/upgrade instead, and is safe for
// concurrent use.
type Router struct {
	mu          sync.RWMutex
	routes      map[string][]route // sessionId -> routes
	baseDomain  string
	idleTimeout time.Duration
	upgrader    websocket.Upgrader
}

// New constructs a Router that matches hosts under baseDomain.
func New(baseDomain string, idleTimeout time.Duration) *Router {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Router{
		routes:      make(map[string][]route),
		baseDomain:  baseDomain,
		idleTimeout: idleTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterCluster idempotently (re)registers every container's declared
// ports for a session, returning the externally-usable RouteInfo for each.
func (r *Router) RegisterCluster(sessionID, networkName string, containers []models.ClusterContainerSpec) ([]models.RouteInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var routes []route
	var infos []models.RouteInfo
	for _, c := range containers {
		for containerPort, hostPort := range c.Ports {
			upstreamPort := hostPort
			if upstreamPort == 0 {
				upstreamPort = containerPort
			}
			routes = append(routes, route{
				containerPort: containerPort,
				upstreamHost:  c.Hostname,
				upstreamPort:  upstreamPort,
			})
			infos = append(infos, models.RouteInfo{
				ContainerPort: containerPort,
				URL:           fmt.Sprintf("https://%s--%d.%s", sessionID, containerPort, r.baseDomain),
			})
		}
	}

	r.routes[sessionID] = routes
	logger.Info("registered proxy cluster", zap.String("session_id", sessionID), zap.Int("routes", len(routes)))
	return infos, nil
}

// UnregisterCluster removes every route belonging to a session.
func (r *Router) UnregisterCluster(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, sessionID)
}

// GetUrls returns the currently registered RouteInfo for a session.
func (r *Router) GetUrls(sessionID string) []models.RouteInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := r.routes[sessionID]
	out := make([]models.RouteInfo, 0, len(routes))
	for _, rt := range routes {
		out = append(out, models.RouteInfo{
			ContainerPort: rt.containerPort,
			URL:           fmt.Sprintf("https://%s--%d.%s", sessionID, rt.containerPort, r.baseDomain),
		})
	}
	return out
}

func (r *Router) resolve(sessionID string, port int) (route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rt := range r.routes[sessionID] {
		if rt.containerPort == port {
			return rt, true
		}
	}
	return route{}, false
}

// parseHost parses "<sessionId>--<port>.<baseDomain>" out of a Host header.
func parseHost(host, baseDomain string) (sessionID string, port int, ok bool) {
	host = strings.TrimSuffix(host, ":")
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx] // strip an explicit port from the Host header itself
	}
	suffix := "." + baseDomain
	if !strings.HasSuffix(host, suffix) {
		return "", 0, false
	}
	label := strings.TrimSuffix(host, suffix)
	parts := strings.SplitN(label, "--", 2)
	if len(parts) != 2 {
		return "", 0, false
	}
	p, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, false
	}
	return parts[0], p, true
}

// ServeHTTP is the single listener entrypoint: it dispatches to WebSocket
// or HTTP forwarding after resolving the Host header.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	setCORSHeaders(w)
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sessionID, port, ok := parseHost(req.Host, r.baseDomain)
	if !ok {
		http.Error(w, "Invalid subdomain", http.StatusBadRequest)
		return
	}

	rt, ok := r.resolve(sessionID, port)
	if !ok {
		http.Error(w, "Session or port not available", http.StatusNotFound)
		return
	}

	if isWebsocketUpgrade(req) {
		r.forwardWebsocket(w, req, rt)
		return
	}
	r.forwardHTTP(w, req, rt)
}

func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Lab-Session-Id")
}

func isWebsocketUpgrade(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket")
}
