package resource

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"revita/clinic/dispatch-queue-server/pkg/errs"
	"revita/clinic/dispatch-queue-server/pkg/liveness"
)

// Registry is the in-process view of every provisioned resource. Online
// status is never cached, it is read from the liveness tracker each time.
type Registry struct {
	store   Store
	tracker liveness.Tracker

	resources map[string]*Resource
	lock      sync.RWMutex

	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewRegistry(store Store, tracker liveness.Tracker, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		store:     store,
		tracker:   tracker,
		resources: make(map[string]*Resource),
		now:       time.Now,
		logger:    logger,
	}
}

func (r *Registry) Load(ctx context.Context) error {
	list, err := r.store.ListResources(ctx)
	if err != nil {
		return errs.Wrap(err, "load resources")
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	for i := range list {
		res := list[i]
		r.resources[res.Id] = &res
	}
	r.logger.Infof("loaded resources count[%v]", len(list))
	return nil
}

// Get returns a copy of the resource.
func (r *Registry) Get(id string) (Resource, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	res, ok := r.resources[id]
	if !ok {
		return Resource{}, errs.New(errs.NotFound, "resource[%v] not found", id)
	}
	return *res, nil
}

// List returns resources of a kind, or every resource when kind is empty,
// ordered by code.
func (r *Registry) List(kind Kind) []Resource {
	r.lock.RLock()
	defer r.lock.RUnlock()

	var out []Resource
	for _, res := range r.resources {
		if kind != "" && res.Kind != kind {
			continue
		}
		out = append(out, *res)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Id < out[j].Id
	})
	return out
}

// Provision creates or replaces a resource. Deactivation is a Provision
// with Active false; resources are never deleted.
func (r *Registry) Provision(ctx context.Context, res Resource) (Resource, error) {
	res.Id = strings.TrimSpace(res.Id)
	if res.Id == "" {
		return Resource{}, errs.New(errs.Validation, "resource id is required")
	}
	if !res.Kind.Valid() {
		return Resource{}, errs.New(errs.Validation, "invalid resource kind[%v]", res.Kind)
	}
	if res.Capacity <= 0 {
		return Resource{}, errs.New(errs.Validation, "resource[%v] capacity must be positive", res.Id)
	}
	if res.Code == "" {
		res.Code = res.Id
	}
	res.UpdatedAt = r.now()

	return res, r.save(ctx, res)
}

// AssignStaff binds a staff member to a resource, replacing any previous
// assignment of that resource. A staff member holding another resource is
// allowed but logged.
func (r *Registry) AssignStaff(ctx context.Context, id, staffId, staffName string) (Resource, error) {
	if strings.TrimSpace(staffId) == "" {
		return Resource{}, errs.New(errs.Validation, "staff id is required")
	}

	res, err := r.Get(id)
	if err != nil {
		return Resource{}, err
	}

	for _, other := range r.List("") {
		if other.Id != id && other.StaffId == staffId {
			r.logger.Warnf("staffId[%v] already assigned to resourceId[%v], also assigning to resourceId[%v]", staffId, other.Id, id)
		}
	}

	if res.StaffId != "" && res.StaffId != staffId {
		r.logger.Infof("resourceId[%v] staff replaced from[%v] to[%v]", id, res.StaffId, staffId)
	}
	res.StaffId = staffId
	res.StaffName = staffName
	res.UpdatedAt = r.now()

	return res, r.save(ctx, res)
}

func (r *Registry) UnassignStaff(ctx context.Context, id string) (Resource, error) {
	res, err := r.Get(id)
	if err != nil {
		return Resource{}, err
	}
	res.StaffId = ""
	res.StaffName = ""
	res.UpdatedAt = r.now()

	return res, r.save(ctx, res)
}

func (r *Registry) SetOnline(ctx context.Context, id string) error {
	if _, err := r.Get(id); err != nil {
		return err
	}
	return r.tracker.SetOnline(ctx, id)
}

func (r *Registry) SetOffline(ctx context.Context, id string) error {
	if _, err := r.Get(id); err != nil {
		return err
	}
	return r.tracker.SetOffline(ctx, id)
}

func (r *Registry) IsOnline(ctx context.Context, id string) (bool, error) {
	online, err := r.tracker.IsOnline(ctx, id)
	if err != nil {
		return false, errs.Transient(err, "read liveness of resource[%v]", id)
	}
	return online, nil
}

// Candidates returns the active, online resources of a kind that serve the
// service. A liveness read failure excludes that resource only.
func (r *Registry) Candidates(ctx context.Context, kind Kind, serviceId string) []Resource {
	var out []Resource
	for _, res := range r.List(kind) {
		if !res.Active || !res.Serves(serviceId) {
			continue
		}
		online, err := r.IsOnline(ctx, res.Id)
		if err != nil {
			r.logger.Warnf("exclude resourceId[%v] from candidates %v", res.Id, err)
			continue
		}
		if online {
			out = append(out, res)
		}
	}
	return out
}

// save persists first so memory never holds a record the store rejected.
func (r *Registry) save(ctx context.Context, res Resource) error {
	if err := r.store.SaveResource(ctx, res); err != nil {
		return errs.Wrapf(err, "save resource[%v]", res.Id)
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	r.resources[res.Id] = &res
	return nil
}
