package common

import (
	"github.com/google/uuid"
)

// NewGroupID generates a unique task group ID with the "tg_" prefix.
// The ID doubles as the actor routing key and the public result path.
func NewGroupID() string {
	return "tg_" + uuid.New().String()
}
