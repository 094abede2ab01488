// Package models defines the orchestrator's data model.
package models

import "time"

// SessionStatus enumerates Session.status.
type SessionStatus string

const (
	SessionCreating SessionStatus = "creating"
	SessionPooled   SessionStatus = "pooled"
	SessionRunning  SessionStatus = "running"
	SessionDeleting SessionStatus = "deleting"
	SessionError    SessionStatus = "error"
)

// ContainerStatus enumerates SessionContainer.status.
type ContainerStatus string

const (
	ContainerStarting ContainerStatus = "starting"
	ContainerRunning  ContainerStatus = "running"
	ContainerStopped  ContainerStatus = "stopped"
	ContainerError    ContainerStatus = "error"
)

// PortKind enumerates PortReservation.kind.
type PortKind string

const (
	PortKindStream PortKind = "stream"
	PortKindCDP    PortKind = "cdp"
)

// BrowserDesired/BrowserActual enumerate BrowserSessionState.desired/actual.
type BrowserDesired string
type BrowserActual string

const (
	BrowserDesiredStopped BrowserDesired = "stopped"
	BrowserDesiredRunning BrowserDesired = "running"

	BrowserActualStopped  BrowserActual = "stopped"
	BrowserActualStarting BrowserActual = "starting"
	BrowserActualRunning  BrowserActual = "running"
	BrowserActualStopping BrowserActual = "stopping"
	BrowserActualError    BrowserActual = "error"
)

// OrchestrationStatus enumerates OrchestrationRequest.status.
type OrchestrationStatus string

const (
	OrchestrationPending    OrchestrationStatus = "pending"
	OrchestrationThinking   OrchestrationStatus = "thinking"
	OrchestrationDelegating OrchestrationStatus = "delegating"
	OrchestrationStarting   OrchestrationStatus = "starting"
	OrchestrationComplete   OrchestrationStatus = "complete"
	OrchestrationError      OrchestrationStatus = "error"
)

// ContainerDefinition is one entry in Project.ContainerDefinitions.
type ContainerDefinition struct {
	ID          string            `json:"id"`
	Image       string            `json:"image"`
	Ports       []int             `json:"ports"`
	EnvTemplate map[string]string `json:"envTemplate,omitempty"`
	Hostname    string            `json:"hostname,omitempty"`
}

// Project is a user-managed template for sessions.
type Project struct {
	ID                   string                `json:"id"`
	Name                 string                `json:"name"`
	SystemPrompt         string                `json:"systemPrompt,omitempty"`
	ContainerDefinitions []ContainerDefinition `json:"containerDefinitions"`
	PoolSize             int                   `json:"poolSize"`
}

// Session is one user-request execution environment.
type Session struct {
	ID              string        `json:"id"`
	ProjectID       string        `json:"projectId"`
	Title           *string       `json:"title,omitempty"`
	Status          SessionStatus `json:"status"`
	AgentSessionID  *string       `json:"agentSessionId,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// SessionSummary is the read model for the `sessions` channel and list API.
type SessionSummary struct {
	ID        string        `json:"id"`
	ProjectID string        `json:"projectId"`
	Title     *string       `json:"title,omitempty"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// SessionContainer is one container belonging to a session.
type SessionContainer struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	ContainerID string          `json:"containerId"`
	RuntimeID   *string         `json:"runtimeId,omitempty"`
	Status      ContainerStatus `json:"status"`
	Hostname    string          `json:"hostname"`
	ErrorMessage *string        `json:"errorMessage,omitempty"`
}

// ContainerPort declares a port a container definition exposes.
type ContainerPort struct {
	ContainerID string `json:"containerId"`
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"`
}

// PortReservation is a held port for a session.
type PortReservation struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"sessionId"`
	Port       int        `json:"port"`
	Kind       PortKind   `json:"kind"`
	ReservedAt time.Time  `json:"reservedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// Volume is a named Docker volume, orphaned when SessionID becomes nil.
type Volume struct {
	Name       string    `json:"name"`
	SessionID  *string   `json:"sessionId,omitempty"`
	Kind       string    `json:"kind"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// BrowserSessionState is the Browser Orchestrator's per-session record.
type BrowserSessionState struct {
	SessionID       string         `json:"sessionId"`
	Desired         BrowserDesired `json:"desired"`
	Actual          BrowserActual  `json:"actual"`
	StreamPort      *int           `json:"streamPort,omitempty"`
	LastURL         *string        `json:"lastUrl,omitempty"`
	RetryCount      int            `json:"retryCount"`
	ErrorMessage    *string        `json:"errorMessage,omitempty"`
	LastHeartbeatAt time.Time      `json:"lastHeartbeatAt"`
}

// AgentEvent is one append-only event in a session's event log.
type AgentEvent struct {
	SessionID string    `json:"sessionId"`
	Sequence  int64     `json:"sequence"`
	EventData string    `json:"eventData"`
	CreatedAt time.Time `json:"createdAt"`
}

// OrchestrationRequest tracks the lifecycle of a single /orchestrate call.
type OrchestrationRequest struct {
	ID                 string              `json:"id"`
	ChannelID          *string             `json:"channelId,omitempty"`
	Content            string              `json:"content"`
	Status             OrchestrationStatus `json:"status"`
	ResolvedProjectID  *string             `json:"resolvedProjectId,omitempty"`
	ResolvedSessionID  *string             `json:"resolvedSessionId,omitempty"`
	ModelID            *string             `json:"modelId,omitempty"`
	ErrorMessage       *string             `json:"errorMessage,omitempty"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
}

// GithubSettings is a singleton row; contents are opaque to this subsystem
// (GitHub credential storage itself is out of scope), but the table and its
// set/clear operations are ours to serve.
type GithubSettings struct {
	Configured bool              `json:"configured"`
	Settings   map[string]string `json:"settings,omitempty"`
}

// RouteInfo is one proxied route, as returned by registerCluster/getUrls.
type RouteInfo struct {
	ContainerPort int    `json:"containerPort"`
	URL           string `json:"url"`
}

// ClusterContainerSpec is one container's cluster-registration input for
// registerCluster.
type ClusterContainerSpec struct {
	ContainerID string
	Hostname    string
	Ports       map[int]int // containerPort -> hostPort, hostPort 0 if none
}
