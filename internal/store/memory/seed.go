package memory

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

// Seed is the file format accepted by LoadSeed. Queue and session management
// live outside this service, so a memory-backed deployment is fed from it.
type Seed struct {
	Queues   []models.Queue `json:"queues"`
	Sessions []seedSession  `json:"sessions"`
}

type seedSession struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	OrganisationID string    `json:"organisation_id"`
	Role           string    `json:"role"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (s *Store) LoadSeed(r io.Reader) error {
	var seed Seed
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&seed); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	for _, queue := range seed.Queues {
		if queue.ID == "" || queue.Name == "" {
			return fmt.Errorf("seed queue requires queue_id and name")
		}
		s.PutQueue(queue)
	}
	for _, session := range seed.Sessions {
		if session.SessionID == "" || session.UserID == "" {
			return fmt.Errorf("seed session requires session_id and user_id")
		}
		s.PutSession(store.Session{
			SessionID:      session.SessionID,
			UserID:         session.UserID,
			OrganisationID: session.OrganisationID,
			Role:           session.Role,
			ExpiresAt:      session.ExpiresAt,
		})
	}
	return nil
}

func (s *Store) LoadSeedFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.LoadSeed(f)
}
