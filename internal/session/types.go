package session

import (
	"time"

	"github.com/shinnpuru/moecall/internal/persona"
)

// CreateRequest defines the payload for starting a new call.
type CreateRequest struct {
	Persona persona.Persona `json:"persona"`
}

// CreateResponse returns the created call's metadata.
type CreateResponse struct {
	CallID          string          `json:"call_id"`
	Persona         persona.Persona `json:"persona"`
	Status          Status          `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	LastActivityAt  time.Time       `json:"last_activity_at"`
	InactivityTTLMS int64           `json:"inactivity_ttl_ms"`
}
