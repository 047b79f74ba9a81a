package msg

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"revita/clinic/dispatch-queue-server/pkg/errs"
)

type EventType string

const (
	PatientAssignedType        EventType = "PATIENT_ASSIGNED_TO_COUNTER"
	NextPatientCalledType      EventType = "NEXT_PATIENT_CALLED"
	ReturnPreviousPatientType  EventType = "RETURN_PREVIOUS_PATIENT"
	PatientSkippedType         EventType = "PATIENT_SKIPPED"
	SkippedPatientRecalledType EventType = "SKIPPED_PATIENT_RECALLED"
	CurrentPatientReturnedType EventType = "CURRENT_PATIENT_RETURNED"
	QueueItemStateChangedType  EventType = "QUEUE_ITEM_STATE_CHANGED"
)

// Event is the closed set of domain events. Every variant lives in this
// file; consumers switch on the concrete type.
type Event interface {
	EventType() EventType

	// Routing key; events with the same key keep their order. Always the
	// resource id.
	RoutingKey() string

	isEvent()
}

type AssignedCounter struct {
	CounterId        string `json:"counterId"`
	CounterCode      string `json:"counterCode"`
	CounterName      string `json:"counterName"`
	ReceptionistName string `json:"receptionistName,omitempty"`

	// Minutes.
	EstimatedWaitTime int `json:"estimatedWaitTime"`
}

type PatientAssigned struct {
	Type             EventType       `json:"type"`
	ItemId           string          `json:"itemId"`
	ResourceKind     string          `json:"resourceKind"`
	AppointmentId    string          `json:"appointmentId,omitempty"`
	PatientProfileId string          `json:"patientProfileId"`
	InvoiceId        string          `json:"invoiceId,omitempty"`
	PatientName      string          `json:"patientName"`
	PatientAge       int             `json:"patientAge"`
	PatientGender    string          `json:"patientGender,omitempty"`
	PriorityScore    int             `json:"priorityScore"`
	PriorityTier     string          `json:"priorityTier"`
	QueueNumber      string          `json:"queueNumber"`
	ServiceName      string          `json:"serviceName,omitempty"`
	ServicePrice     float64         `json:"servicePrice,omitempty"`
	AssignedCounter  AssignedCounter `json:"assignedCounter"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

func (e *PatientAssigned) EventType() EventType { return PatientAssignedType }
func (e *PatientAssigned) RoutingKey() string   { return e.AssignedCounter.CounterId }
func (e *PatientAssigned) isEvent()             {}

type PatientInfo struct {
	ItemId        string `json:"itemId"`
	ProfileId     string `json:"patientProfileId"`
	Name          string `json:"patientName"`
	QueueNumber   string `json:"queueNumber"`
	PriorityScore int    `json:"priorityScore"`
	State         string `json:"status"`
	SkipCount     int    `json:"skipCount"`
	CallCount     int    `json:"callCount"`
}

// PatientCalled covers every staff action on the head of a queue. Type
// tells which one happened.
type PatientCalled struct {
	Type         EventType    `json:"type"`
	CounterId    string       `json:"counterId"`
	ResourceKind string       `json:"resourceKind"`
	Patient      *PatientInfo `json:"patient,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

func (e *PatientCalled) EventType() EventType { return e.Type }
func (e *PatientCalled) RoutingKey() string   { return e.CounterId }
func (e *PatientCalled) isEvent()             {}

type QueueItemStateChanged struct {
	Type         EventType `json:"type"`
	ResourceId   string    `json:"resourceId"`
	ResourceKind string    `json:"resourceKind"`
	ItemId       string    `json:"itemId"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e *QueueItemStateChanged) EventType() EventType { return QueueItemStateChangedType }
func (e *QueueItemStateChanged) RoutingKey() string   { return e.ResourceId }
func (e *QueueItemStateChanged) isEvent()             {}

// Unknown is what a consumer gets for a type it was not built with. It is
// logged and skipped, never an error.
type Unknown struct {
	Type EventType
	Key  string
	Raw  json.RawMessage
}

func (e *Unknown) EventType() EventType { return e.Type }
func (e *Unknown) RoutingKey() string   { return e.Key }
func (e *Unknown) isEvent()             {}

// Envelope is the immutable record appended to the event log.
type Envelope struct {
	Id        string          `json:"id"`
	Type      EventType       `json:"type"`
	Key       string          `json:"key"`
	EmittedAt time.Time       `json:"emittedAt"`
	Payload   json.RawMessage `json:"payload"`
}

func Encode(ev Event, now time.Time) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Id:        uuid.NewString(),
		Type:      ev.EventType(),
		Key:       ev.RoutingKey(),
		EmittedAt: now,
		Payload:   payload,
	}, nil
}

func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errs.Malformed(err, "invalid envelope")
	}
	if env.Type == "" || len(env.Payload) == 0 {
		return Envelope{}, errs.Malformed(nil, "envelope without type or payload")
	}
	return env, nil
}

// Decode turns an envelope into its concrete variant.
func Decode(env Envelope) (Event, error) {
	var ev Event
	switch env.Type {
	case PatientAssignedType:
		ev = &PatientAssigned{}
	case NextPatientCalledType, ReturnPreviousPatientType, PatientSkippedType,
		SkippedPatientRecalledType, CurrentPatientReturnedType:
		ev = &PatientCalled{}
	case QueueItemStateChangedType:
		ev = &QueueItemStateChanged{}
	default:
		return &Unknown{Type: env.Type, Key: env.Key, Raw: env.Payload}, nil
	}

	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return nil, errs.Malformed(err, "invalid %v payload", env.Type)
	}
	if called, ok := ev.(*PatientCalled); ok {
		called.Type = env.Type
	}
	return ev, nil
}
