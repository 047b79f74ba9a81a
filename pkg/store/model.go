package store

import "time"

type ResourceRecord struct {
	Id                string `gorm:"primaryKey"`
	Kind              string `gorm:"index;not null"`
	Code              string `gorm:"not null"`
	Name              string
	Location          string
	Capacity          int `gorm:"not null"`
	Active            bool
	StaffId           string
	StaffName         string
	ScoringPolicy     string
	Services          string // comma separated service ids
	AvgServiceMinutes int
	UpdatedAt         time.Time
}

func (ResourceRecord) TableName() string { return "resources" }

// QueueItemRecord is the assignment record of one patient at one resource.
type QueueItemRecord struct {
	Id         string `gorm:"primaryKey"`
	ResourceId string `gorm:"index;not null"`

	PatientProfileId string `gorm:"index"`
	AppointmentId    string
	InvoiceId        string
	PatientName      string
	PatientAge       int
	PatientGender    string

	ServiceId    string
	ServiceName  string
	ServicePrice float64

	Factors string // json

	ScoreTotal  int
	ScoreTier   string
	ScorePolicy string

	State       string `gorm:"index;not null"`
	QueueNumber string
	Seq         uint64
	SkipCount   int
	CallCount   int
	ReentryTurn int64

	Metadata string // json

	CreatedAt   time.Time
	EnqueuedAt  time.Time
	CalledAt    *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

func (QueueItemRecord) TableName() string { return "queue_items" }

// QueueTurnRecord is the call counter of one resource queue.
type QueueTurnRecord struct {
	ResourceId string `gorm:"primaryKey"`
	Turn       int64
	UpdatedAt  time.Time
}

func (QueueTurnRecord) TableName() string { return "queue_turns" }
