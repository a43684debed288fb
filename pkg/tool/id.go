package tool

import (
	"github.com/google/uuid"
	"go.jetify.com/typeid/v2"
)

func GenerateUUIDV7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// GenerateEventID returns a sortable, prefixed id for an event envelope (evt_...).
func GenerateEventID() string {
	tid, err := typeid.Generate("evt")
	if err != nil {
		return "evt_" + GenerateUUIDV7()
	}
	return tid.String()
}
