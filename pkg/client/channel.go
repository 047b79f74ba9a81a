package client

import (
	"strings"

	"revita/clinic/dispatch-queue-server/pkg/errs"
	"revita/clinic/dispatch-queue-server/pkg/msg"
	"revita/clinic/dispatch-queue-server/pkg/resource"
)

type Role string

const (
	CounterRole    Role = "counter"
	BoothRole      Role = "booth"
	DoctorRole     Role = "doctor"
	TechnicianRole Role = "technician"
	RoomRole       Role = "room"
)

// Metadata keys of an assignment that also notify the named staff or room.
var metadataRoles = map[string]Role{
	"doctorId":     DoctorRole,
	"technicianId": TechnicianRole,
	"roomId":       RoomRole,
}

func (r Role) Valid() bool {
	switch r {
	case CounterRole, BoothRole, DoctorRole, TechnicianRole, RoomRole:
		return true
	}
	return false
}

// ChannelName is role:id, e.g. counter:c1.
func ChannelName(role Role, id string) (string, error) {
	role = Role(strings.ToLower(string(role)))
	if !role.Valid() {
		return "", errs.New(errs.Validation, "invalid role[%v]", role)
	}
	if strings.TrimSpace(id) == "" {
		return "", errs.New(errs.Validation, "resourceId is required to join role[%v]", role)
	}
	return string(role) + ":" + id, nil
}

func kindRole(kind string) Role {
	if resource.Kind(kind) == resource.Booth {
		return BoothRole
	}
	return CounterRole
}

// ChannelsFor lists the channels an event is broadcast to. The resource
// channel always comes first.
func ChannelsFor(ev msg.Event) []string {
	var kind string
	var metadata map[string]any
	switch e := ev.(type) {
	case *msg.PatientAssigned:
		kind, metadata = e.ResourceKind, e.Metadata
	case *msg.PatientCalled:
		kind = e.ResourceKind
	case *msg.QueueItemStateChanged:
		kind = e.ResourceKind
	default:
		return nil
	}

	channels := []string{string(kindRole(kind)) + ":" + ev.RoutingKey()}
	for key, role := range metadataRoles {
		if id, ok := metadata[key].(string); ok && id != "" {
			channels = append(channels, string(role)+":"+id)
		}
	}
	return channels
}
