package resource

import (
	"context"
	"time"
)

type Kind string

const (
	Counter Kind = "COUNTER"
	Booth   Kind = "BOOTH"
)

func (k Kind) Valid() bool {
	return k == Counter || k == Booth
}

// Resource is a queue owner: a reception counter or a clinical booth.
type Resource struct {
	Id       string `json:"id"`
	Kind     Kind   `json:"kind"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`

	// Max number of items in an active state at the same time.
	Capacity int  `json:"capacity"`
	Active   bool `json:"active"`

	StaffId   string `json:"staffId,omitempty"`
	StaffName string `json:"staffName,omitempty"`

	// Name of the scoring policy every item of this queue is scored with.
	// Empty falls back to the default for the kind.
	ScoringPolicy string `json:"scoringPolicy,omitempty"`

	// Service ids this resource accepts. Empty accepts every service.
	Services []string `json:"services,omitempty"`

	// Used for load scoring and wait estimation before any real service
	// duration was observed. Zero falls back to the configured default.
	AvgServiceMinutes int `json:"avgServiceMinutes,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

func (r *Resource) Serves(serviceId string) bool {
	if serviceId == "" || len(r.Services) == 0 {
		return true
	}
	for _, id := range r.Services {
		if id == serviceId {
			return true
		}
	}
	return false
}

// Store persists provisioning data. Implemented by pkg/store.
type Store interface {
	ListResources(ctx context.Context) ([]Resource, error)
	SaveResource(ctx context.Context, r Resource) error
}
