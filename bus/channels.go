package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/labrun/orchestrator/browserorch"
	"github.com/labrun/orchestrator/models"
	"github.com/labrun/orchestrator/store"
)

// RegisterDeps is the set of collaborators the closed channel set needs for
// its snapshot loaders and refcount hooks.
type RegisterDeps struct {
	Store   *store.Store
	Browser *browserorch.Orchestrator
}

// RegisterChannels registers every channel in the closed set. Channels
// backed by an entity this subsystem owns (projects, sessions, containers,
// browser state, agent events, orchestration requests) get real snapshot
// loaders; channels whose data belongs to an out-of-scope collaborator
// (the agent sub-process, the file-review UI, typing indicators) are
// registered as thin pass-through channels, empty snapshot, delta/event
// fan-out only, fed by whatever external process calls PublishDelta.
func RegisterChannels(b *Bus, deps RegisterDeps) {
	st := deps.Store
	browser := deps.Browser

	b.Register(&Channel{
		Pattern: "projects",
		Snapshot: func(ctx context.Context, _ map[string]string) (interface{}, error) {
			return st.ListProjects(ctx)
		},
	})

	b.Register(&Channel{
		Pattern: "sessions",
		Snapshot: func(ctx context.Context, _ map[string]string) (interface{}, error) {
			return st.ListSessions(ctx)
		},
	})

	b.Register(&Channel{
		Pattern: "sessionMetadata/{uuid}",
		Snapshot: func(ctx context.Context, params map[string]string) (interface{}, error) {
			sess, err := st.GetSession(ctx, params["uuid"])
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"title":           sess.Title,
				"inferenceStatus": sess.Status,
			}, nil
		},
	})

	b.Register(&Channel{
		Pattern: "sessionContainers/{uuid}",
		Snapshot: func(ctx context.Context, params map[string]string) (interface{}, error) {
			return st.ListContainersForSession(ctx, params["uuid"])
		},
	})

	// sessionTyping, sessionChangedFiles, sessionTasks, sessionBranches,
	// sessionLinks, sessionLogs: these describe state owned by out-of-scope
	// collaborators (the agent sub-process, the file-review UI). This
	// subsystem has no persisted backing for them, it only relays
	// whatever the collaborator publishes, so the snapshot is always empty
	// and OnEvent is a no-op (client events for these are consumed by the
	// collaborator directly, not by this subsystem).
	for _, pattern := range []string{
		"sessionTyping/{uuid}",
		"sessionChangedFiles/{uuid}",
		"sessionTasks/{uuid}",
		"sessionBranches/{uuid}",
		"sessionLinks/{uuid}",
	} {
		b.Register(&Channel{
			Pattern: pattern,
			Snapshot: func(ctx context.Context, _ map[string]string) (interface{}, error) {
				return []interface{}{}, nil
			},
		})
	}

	b.Register(&Channel{
		Pattern: "sessionLogs/{uuid}",
		Snapshot: func(ctx context.Context, _ map[string]string) (interface{}, error) {
			return map[string]interface{}{"sources": []string{}, "recentLogs": map[string]interface{}{}}, nil
		},
	})

	// sessionMessages and sessionAcpEvents are backed by the append-only
	// agent_events log, the one piece of agent-session data this subsystem
	// actually persists.
	b.Register(&Channel{
		Pattern: "sessionMessages/{uuid}",
		Snapshot: func(ctx context.Context, params map[string]string) (interface{}, error) {
			events, err := st.ListAgentEventsSince(ctx, params["uuid"], 0)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"messages": events, "questionRequests": []interface{}{}}, nil
		},
	})

	b.Register(&Channel{
		Pattern: "sessionAcpEvents/{uuid}",
		Snapshot: func(ctx context.Context, params map[string]string) (interface{}, error) {
			checkpoint, err := st.LatestAgentEventSequence(ctx, params["uuid"])
			if err != nil {
				return nil, err
			}
			events, err := st.ListAgentEventsSince(ctx, params["uuid"], 0)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"checkpoint": checkpoint, "events": events}, nil
		},
	})

	b.Register(&Channel{
		Pattern: "sessionBrowserState/{uuid}",
		Snapshot: func(ctx context.Context, params map[string]string) (interface{}, error) {
			return st.GetBrowserState(ctx, params["uuid"])
		},
		RefCount: &RefCountHooks{
			OnFirstSubscribe: func(params map[string]string) {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				_ = browser.Subscribe(ctx, params["uuid"])
			},
			OnLastUnsubscribe: func(params map[string]string) {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				browser.Unsubscribe(ctx, params["uuid"])
			},
		},
	})

	b.Register(&Channel{
		Pattern: "sessionBrowserFrames/{uuid}",
		Snapshot: func(ctx context.Context, params map[string]string) (interface{}, error) {
			return map[string]interface{}{
				"lastFrame": browser.LastFrame(params["uuid"]),
				"timestamp": time.Now().UnixMilli(),
			}, nil
		},
	})

	b.Register(&Channel{
		Pattern: "sessionBrowserInput/{uuid}",
		OnEvent: func(ctx context.Context, params map[string]string, data json.RawMessage) error {
			return nil // consumed by the browser daemon directly, not this subsystem
		},
	})

	b.Register(&Channel{
		Pattern: "orchestrationStatus/{uuid}",
		Snapshot: func(ctx context.Context, params map[string]string) (interface{}, error) {
			req, err := st.GetOrchestrationRequest(ctx, params["uuid"])
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"status":       req.Status,
				"projectName":  req.ResolvedProjectID,
				"sessionId":    req.ResolvedSessionID,
				"errorMessage": req.ErrorMessage,
			}, nil
		},
	})

	b.Register(&Channel{
		Pattern: "sessionComplete/{uuid}",
		Snapshot: func(ctx context.Context, params map[string]string) (interface{}, error) {
			req, err := st.GetOrchestrationRequest(ctx, params["uuid"])
			if err != nil || req == nil {
				return map[string]interface{}{"completed": false}, nil
			}
			return map[string]interface{}{"completed": req.Status == models.OrchestrationComplete}, nil
		},
	})
}
