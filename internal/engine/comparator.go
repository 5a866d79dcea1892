package engine

import (
	"slices"
	"strings"

	"qms/queue-engine/internal/models"
)

// Compare orders tokens for service: higher priority tier first, then earlier
// issue time, then token id so the order is total. Every ordering decision in
// the engine goes through this function.
func Compare(a, b models.Token) int {
	ra, rb := models.PriorityRank(a.Priority), models.PriorityRank(b.Priority)
	if ra != rb {
		if ra > rb {
			return -1
		}
		return 1
	}
	if c := a.IssuedAt.Compare(b.IssuedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func SortTokens(tokens []models.Token) {
	slices.SortStableFunc(tokens, Compare)
}
