package store

import "qms/queue-engine/internal/models"

const (
	ActionCall   = "call"
	ActionServe  = "serve"
	ActionCancel = "cancel"
	ActionSkip   = "skip"
)

var transitionMap = map[string][]string{
	ActionCall:   {models.StatusPending},
	ActionServe:  {models.StatusCalled},
	ActionCancel: {models.StatusPending, models.StatusCalled},
	ActionSkip:   {models.StatusPending, models.StatusCalled},
}

var transitionTarget = map[string]string{
	ActionCall:   models.StatusCalled,
	ActionServe:  models.StatusServed,
	ActionCancel: models.StatusCancelled,
	ActionSkip:   models.StatusMissed,
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// TargetStatus returns the status an action moves a token into.
func TargetStatus(action string) (string, bool) {
	status, ok := transitionTarget[action]
	return status, ok
}
