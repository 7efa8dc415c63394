package feed

import (
	"encoding/json"
	"time"

	"github.com/tasksync/tasksync/internal/schema"
)

// ProjectChange is the payload broadcast for a project write. Clients only
// use it for logging; the authoritative copy is fetched from the store.
type ProjectChange struct {
	Version   int64      `json:"version"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	Tasks     int        `json:"tasks"`
}

// PublishProject broadcasts a project write. It matches the OnChange hook
// of remote.HandlerConfig.
func (s *Server) PublishProject(eventType string, p schema.Project) {
	payload, err := json.Marshal(ProjectChange{
		Version:   p.Version,
		UpdatedAt: p.UpdatedAt,
		DeletedAt: p.DeletedAt,
		Tasks:     len(p.Tasks),
	})
	if err != nil {
		s.logger.Printf("Failed to marshal change for %s: %v", p.ID, err)
		return
	}
	s.Broadcast(Event{EventType: eventType, EntityID: p.ID, Payload: payload})
}
