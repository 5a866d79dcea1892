package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

type Token struct {
	ID                   string     `json:"token_id"`
	DisplayID            string     `json:"display_id"`
	QueueID              string     `json:"queue_id"`
	OrganisationID       string     `json:"organisation_id"`
	UserID               *string    `json:"user_id,omitempty"`
	Status               string     `json:"status"`
	Priority             string     `json:"priority"`
	Position             int        `json:"position"`
	EstimatedWaitMinutes int        `json:"estimated_wait_minutes"`
	IssuedAt             time.Time  `json:"issued_at"`
	CalledAt             *time.Time `json:"called_at,omitempty"`
	ServedAt             *time.Time `json:"served_at,omitempty"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty"`
	MissedAt             *time.Time `json:"missed_at,omitempty"`
	CallerID             *string    `json:"caller_id,omitempty"`
}

const (
	StatusPending   = "PENDING"
	StatusCalled    = "CALLED"
	StatusServed    = "SERVED"
	StatusCancelled = "CANCELLED"
	StatusMissed    = "MISSED"
)

const (
	PriorityNormal    = "NORMAL"
	PriorityPriority  = "PRIORITY"
	PriorityEmergency = "EMERGENCY"
)

// IsTerminal reports whether no further transition may leave status.
func IsTerminal(status string) bool {
	switch status {
	case StatusServed, StatusCancelled, StatusMissed:
		return true
	default:
		return false
	}
}

// PriorityRank maps a priority tier to its precedence. Unknown values rank as NORMAL.
func PriorityRank(priority string) int {
	switch strings.ToUpper(strings.TrimSpace(priority)) {
	case PriorityEmergency:
		return 3
	case PriorityPriority:
		return 2
	default:
		return 1
	}
}

// NormalizePriority returns the canonical tier name, falling back to NORMAL.
func NormalizePriority(priority string) string {
	switch PriorityRank(priority) {
	case 3:
		return PriorityEmergency
	case 2:
		return PriorityPriority
	default:
		return PriorityNormal
	}
}

const displayIDPad = 3

var DisplayIDPattern = regexp.MustCompile(`^[A-Z]\d{3}$`)

func ValidDisplayID(value string) bool {
	return DisplayIDPattern.MatchString(value)
}

// FormatDisplayID builds the human-facing code from the queue name and the
// per-queue issuance sequence, e.g. "Cashier" and 7 give "C007".
func FormatDisplayID(queueName string, seq int) string {
	return fmt.Sprintf("%c%0*d", displayPrefix(queueName), displayIDPad, seq)
}

func displayPrefix(queueName string) rune {
	name := strings.TrimSpace(queueName)
	if name == "" {
		return 'Q'
	}
	r, _ := utf8.DecodeRuneInString(name)
	upper := unicode.ToUpper(r)
	if upper < 'A' || upper > 'Z' {
		return 'Q'
	}
	return upper
}
