// Package sessionorch is the Session Orchestrator: creates sessions
// (optionally from a warm pool), spawns their container clusters in the
// background, and tears them down idempotently.
package sessionorch

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labrun/orchestrator/browserorch"
	domerrors "github.com/labrun/orchestrator/errors"
	"github.com/labrun/orchestrator/models"
	"github.com/labrun/orchestrator/proxy"
	"github.com/labrun/orchestrator/sandbox"
	"github.com/labrun/orchestrator/store"
)

const (
	defaultContainerTimeout = 30 * time.Second
	sharedVolumeWorkspaces  = "workspaces"
	sharedVolumeAuth        = "opencode-auth"
	sharedVolumeBrowser     = "browser-socket"
)

// Bus is the subset of bus.Bus the orchestrator publishes through.
type Bus interface {
	PublishDelta(channelName string, params map[string]string, delta interface{})
}

// Orchestrator implements the spawn/pool/destroy responsibilities for
// sessions.
type Orchestrator struct {
	store    *store.Store
	provider sandbox.Provider
	router   *proxy.Router
	browser  *browserorch.Orchestrator
	bus      Bus

	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex

	poolMu   sync.Mutex
	poolRuns map[string]bool
}

// New constructs a Session Orchestrator.
func New(st *store.Store, provider sandbox.Provider, router *proxy.Router, browser *browserorch.Orchestrator, bus Bus) *Orchestrator {
	return &Orchestrator{
		store:        st,
		provider:     provider,
		router:       router,
		browser:      browser,
		bus:          bus,
		sessionLocks: make(map[string]*sync.Mutex),
		poolRuns:     make(map[string]bool),
	}
}

func (o *Orchestrator) lockFor(sessionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.sessionLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		o.sessionLocks[sessionID] = l
	}
	return l
}

var whitespaceRE = regexp.MustCompile(`\s+`)

func normalizeTitle(taskSummary string) *string {
	trimmed := strings.TrimSpace(taskSummary)
	if trimmed == "" {
		return nil
	}
	collapsed := whitespaceRE.ReplaceAllString(trimmed, " ")
	return &collapsed
}

// SpawnInput is Spawn's input shape.
type SpawnInput struct {
	ProjectID   string
	TaskSummary string
}

// Spawn claims a pooled session if one exists, otherwise creates a new one
// and schedules background cluster initialization.
func (o *Orchestrator) Spawn(ctx context.Context, in SpawnInput) (*models.Session, []models.SessionContainer, error) {
	lock := o.lockFor(in.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	title := normalizeTitle(in.TaskSummary)
	titleValue := ""
	if title != nil {
		titleValue = *title
	}

	claimed, err := o.store.ClaimPooledSession(ctx, in.ProjectID, titleValue)
	if err != nil {
		return nil, nil, err
	}
	if claimed != nil {
		containers, err := o.store.ListContainersForSession(ctx, claimed.ID)
		if err != nil {
			return nil, nil, err
		}
		o.bus.PublishDelta("sessions", nil, map[string]interface{}{"type": "add", "session": toSummary(*claimed)})
		return claimed, containers, nil
	}

	project, err := o.store.GetProject(ctx, in.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	if len(project.ContainerDefinitions) == 0 {
		return nil, nil, domerrors.NoContainerDefinitions(in.ProjectID)
	}

	now := time.Now()
	sess := models.Session{
		ID:        uuid.NewString(),
		ProjectID: in.ProjectID,
		Title:     title,
		Status:    models.SessionCreating,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.InsertSession(ctx, sess); err != nil {
		return nil, nil, err
	}

	sessShort := shortID(sess.ID)
	containers := make([]models.SessionContainer, 0, len(project.ContainerDefinitions))
	for _, def := range project.ContainerDefinitions {
		c := models.SessionContainer{
			ID:          uuid.NewString(),
			SessionID:   sess.ID,
			ContainerID: def.ID,
			Status:      models.ContainerStarting,
			Hostname:    fmt.Sprintf("s-%s-%s", sessShort, shortID(def.ID)),
		}
		if err := o.store.InsertContainer(ctx, c); err != nil {
			return nil, nil, err
		}
		containers = append(containers, c)
	}

	o.bus.PublishDelta("sessions", nil, map[string]interface{}{"type": "add", "session": toSummary(sess)})
	o.bus.PublishDelta("sessionContainers", map[string]string{"uuid": sess.ID}, map[string]interface{}{"type": "snapshot", "containers": containers})

	go o.initializeCluster(context.Background(), sess, project, containers)

	return &sess, containers, nil
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func toSummary(s models.Session) models.SessionSummary {
	return models.SessionSummary{
		ID:        s.ID,
		ProjectID: s.ProjectID,
		Title:     s.Title,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}
