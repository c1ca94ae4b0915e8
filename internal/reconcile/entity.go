package reconcile

import (
	"fmt"

	"unisync/internal/apperr"
)

// Operation is the tag of an offline operation.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Entity types the mobile client may sync, and their collections.
const (
	EntityAnnouncement = "Announcement"
	EntityAssignment   = "Assignment"
	EntityAttendance   = "Attendance"
	EntityTimetable    = "Timetable"
	EntityNetworkPost  = "NetworkPost"
	EntityMessage      = "Message"
)

var collections = map[string]string{
	EntityAnnouncement: "announcements",
	EntityAssignment:   "assignments",
	EntityAttendance:   "attendance",
	EntityTimetable:    "timetables",
	EntityNetworkPost:  "networkPosts",
	EntityMessage:      "messages",
}

// CollectionFor resolves an entity type to its collection. Unknown types are
// rejected rather than guessed.
func CollectionFor(entityType string) (string, error) {
	if c, ok := collections[entityType]; ok {
		return c, nil
	}
	return "", apperr.New(apperr.Validation, fmt.Sprintf("unknown entity type %q", entityType))
}
