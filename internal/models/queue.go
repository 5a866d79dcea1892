package models

const DefaultAverageMinutes = 10

type Queue struct {
	ID             string `json:"queue_id"`
	OrganisationID string `json:"organisation_id"`
	Name           string `json:"name"`
	AverageTime    int    `json:"average_time"`
	MaxTokens      *int   `json:"max_tokens,omitempty"`
	IsActive       bool   `json:"is_active"`
}

// AverageMinutes is the per-token service estimate, defaulting when unset.
func (q Queue) AverageMinutes() int {
	if q.AverageTime <= 0 {
		return DefaultAverageMinutes
	}
	return q.AverageTime
}
