package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"revita/clinic/dispatch-queue-server/pkg/errs"
	"revita/clinic/dispatch-queue-server/pkg/priority"
	"revita/clinic/dispatch-queue-server/pkg/queue"
	"revita/clinic/dispatch-queue-server/pkg/resource"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// ProvideRepository migrates the schema before handing out the repository.
func ProvideRepository(db *gorm.DB) (*Repository, error) {
	r := NewRepository(db)
	if err := r.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&ResourceRecord{}, &QueueItemRecord{}, &QueueTurnRecord{}); err != nil {
		return errs.Wrap(err, "migrate schema")
	}
	return nil
}

func (r *Repository) ListResources(ctx context.Context) ([]resource.Resource, error) {
	var rows []ResourceRecord
	if err := r.db.WithContext(ctx).Order("code asc").Find(&rows).Error; err != nil {
		return nil, errs.Transient(err, "query resources")
	}

	out := make([]resource.Resource, 0, len(rows))
	for _, row := range rows {
		out = append(out, mapResource(row))
	}
	return out, nil
}

func (r *Repository) SaveResource(ctx context.Context, res resource.Resource) error {
	row := ResourceRecord{
		Id:                res.Id,
		Kind:              string(res.Kind),
		Code:              res.Code,
		Name:              res.Name,
		Location:          res.Location,
		Capacity:          res.Capacity,
		Active:            res.Active,
		StaffId:           res.StaffId,
		StaffName:         res.StaffName,
		ScoringPolicy:     res.ScoringPolicy,
		Services:          strings.Join(res.Services, ","),
		AvgServiceMinutes: res.AvgServiceMinutes,
		UpdatedAt:         res.UpdatedAt,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return errs.Transient(err, "save resource[%v]", res.Id)
	}
	return nil
}

func (r *Repository) SaveItem(ctx context.Context, item *queue.Item) error {
	row, err := itemRecord(item)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return errs.Transient(err, "save item[%v]", item.Id)
	}
	return nil
}

func (r *Repository) GetItem(ctx context.Context, id string) (*queue.Item, error) {
	var row QueueItemRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.New(errs.NotFound, "item[%v] not found", id)
	}
	if err != nil {
		return nil, errs.Transient(err, "query item[%v]", id)
	}
	return mapItem(row)
}

// ListActiveItems returns every item that still belongs in a live queue,
// in insertion order per resource.
func (r *Repository) ListActiveItems(ctx context.Context) ([]*queue.Item, error) {
	var rows []QueueItemRecord
	err := r.db.WithContext(ctx).
		Where("state NOT IN ?", []string{string(queue.Completed), string(queue.Cancelled)}).
		Where("NOT (state = ? AND reentry_turn = 0)", string(queue.Skipped)).
		Order("resource_id asc, seq asc").
		Find(&rows).Error
	if err != nil {
		return nil, errs.Transient(err, "query active items")
	}
	return mapItems(rows)
}

// ListItemsSince returns a resource's items enqueued at or after since,
// newest first. Used for operator history views.
func (r *Repository) ListItemsSince(ctx context.Context, resourceId string, since time.Time) ([]*queue.Item, error) {
	var rows []QueueItemRecord
	err := r.db.WithContext(ctx).
		Where("resource_id = ? AND enqueued_at >= ?", resourceId, since).
		Order("enqueued_at desc, seq desc").
		Find(&rows).Error
	if err != nil {
		return nil, errs.Transient(err, "query items of resource[%v]", resourceId)
	}
	return mapItems(rows)
}

func (r *Repository) SaveTurn(ctx context.Context, resourceId string, turn int64) error {
	row := QueueTurnRecord{ResourceId: resourceId, Turn: turn, UpdatedAt: time.Now()}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return errs.Transient(err, "save turn of resource[%v]", resourceId)
	}
	return nil
}

// ListTurns returns the call counter of every resource that was ever called.
func (r *Repository) ListTurns(ctx context.Context) (map[string]int64, error) {
	var rows []QueueTurnRecord
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, errs.Transient(err, "query turns")
	}

	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.ResourceId] = row.Turn
	}
	return out, nil
}

func mapResource(row ResourceRecord) resource.Resource {
	var services []string
	if row.Services != "" {
		services = strings.Split(row.Services, ",")
	}
	return resource.Resource{
		Id:                row.Id,
		Kind:              resource.Kind(row.Kind),
		Code:              row.Code,
		Name:              row.Name,
		Location:          row.Location,
		Capacity:          row.Capacity,
		Active:            row.Active,
		StaffId:           row.StaffId,
		StaffName:         row.StaffName,
		ScoringPolicy:     row.ScoringPolicy,
		Services:          services,
		AvgServiceMinutes: row.AvgServiceMinutes,
		UpdatedAt:         row.UpdatedAt,
	}
}

func itemRecord(item *queue.Item) (QueueItemRecord, error) {
	factors, err := json.Marshal(item.Factors)
	if err != nil {
		return QueueItemRecord{}, errs.Wrapf(err, "marshal factors of item[%v]", item.Id)
	}
	metadata := []byte("{}")
	if item.Metadata != nil {
		if metadata, err = json.Marshal(item.Metadata); err != nil {
			return QueueItemRecord{}, errs.Wrapf(err, "marshal metadata of item[%v]", item.Id)
		}
	}

	return QueueItemRecord{
		Id:               item.Id,
		ResourceId:       item.ResourceId,
		PatientProfileId: item.Patient.ProfileId,
		AppointmentId:    item.Patient.AppointmentId,
		InvoiceId:        item.Patient.InvoiceId,
		PatientName:      item.Patient.Name,
		PatientAge:       item.Patient.Age,
		PatientGender:    string(item.Patient.Gender),
		ServiceId:        item.Service.Id,
		ServiceName:      item.Service.Name,
		ServicePrice:     item.Service.Price,
		Factors:          string(factors),
		ScoreTotal:       item.Score.Total,
		ScoreTier:        item.Score.Tier.String(),
		ScorePolicy:      item.Score.Policy,
		State:            string(item.State),
		QueueNumber:      item.QueueNumber,
		Seq:              item.Seq,
		SkipCount:        item.SkipCount,
		CallCount:        item.CallCount,
		ReentryTurn:      item.ReentryTurn,
		Metadata:         string(metadata),
		CreatedAt:        item.CreatedAt,
		EnqueuedAt:       item.EnqueuedAt,
		CalledAt:         timePtr(item.CalledAt),
		StartedAt:        timePtr(item.StartedAt),
		CompletedAt:      timePtr(item.CompletedAt),
		UpdatedAt:        item.UpdatedAt,
	}, nil
}

func mapItems(rows []QueueItemRecord) ([]*queue.Item, error) {
	out := make([]*queue.Item, 0, len(rows))
	for _, row := range rows {
		item, err := mapItem(row)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func mapItem(row QueueItemRecord) (*queue.Item, error) {
	item := &queue.Item{
		Id:         row.Id,
		ResourceId: row.ResourceId,
		Patient: queue.Patient{
			ProfileId:     row.PatientProfileId,
			AppointmentId: row.AppointmentId,
			InvoiceId:     row.InvoiceId,
			Name:          row.PatientName,
			Age:           row.PatientAge,
			Gender:        priority.Gender(row.PatientGender),
		},
		Service: queue.Service{
			Id:    row.ServiceId,
			Name:  row.ServiceName,
			Price: row.ServicePrice,
		},
		Score: priority.Score{
			Total:  row.ScoreTotal,
			Policy: row.ScorePolicy,
		},
		State:       queue.State(row.State),
		QueueNumber: row.QueueNumber,
		Seq:         row.Seq,
		SkipCount:   row.SkipCount,
		CallCount:   row.CallCount,
		ReentryTurn: row.ReentryTurn,
		CreatedAt:   row.CreatedAt,
		EnqueuedAt:  row.EnqueuedAt,
		CalledAt:    timeValue(row.CalledAt),
		StartedAt:   timeValue(row.StartedAt),
		CompletedAt: timeValue(row.CompletedAt),
		UpdatedAt:   row.UpdatedAt,
	}

	if err := item.Score.Tier.UnmarshalText([]byte(row.ScoreTier)); err != nil {
		return nil, errs.Wrapf(err, "item[%v] tier", row.Id)
	}
	if row.Factors != "" {
		if err := json.Unmarshal([]byte(row.Factors), &item.Factors); err != nil {
			return nil, errs.Wrapf(err, "item[%v] factors", row.Id)
		}
	}
	if row.Metadata != "" && row.Metadata != "{}" {
		if err := json.Unmarshal([]byte(row.Metadata), &item.Metadata); err != nil {
			return nil, errs.Wrapf(err, "item[%v] metadata", row.Id)
		}
	}
	return item, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
