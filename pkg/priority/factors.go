package priority

import (
	"time"

	"revita/clinic/dispatch-queue-server/pkg/errs"
)

type Gender string

const (
	Male    Gender = "MALE"
	Female  Gender = "FEMALE"
	Unknown Gender = ""
)

// Factors are the patient attributes a Policy scores. Zero values mean
// "not applicable".
type Factors struct {
	Age    int    `json:"age"`
	Gender Gender `json:"gender,omitempty"`

	// Moment the patient arrived. Every time based rule is measured
	// against it, never against the wall clock.
	CheckIn time.Time `json:"checkIn"`

	HasAppointment  bool      `json:"hasAppointment,omitempty"`
	AppointmentTime time.Time `json:"appointmentTime,omitempty"`

	Pregnant       bool `json:"pregnant,omitempty"`
	PregnancyWeeks int  `json:"pregnancyWeeks,omitempty"`

	Disabled bool `json:"disabled,omitempty"`

	// Nil means unknown, in which case LastVisit decides.
	FollowUp  *bool     `json:"followUp,omitempty"`
	LastVisit time.Time `json:"lastVisit,omitempty"`

	ReturnedAfterService bool `json:"returnedAfterService,omitempty"`
}

const (
	maxAge            = 150
	maxPregnancyWeeks = 45
)

func Validate(f Factors) error {
	if f.Age < 0 || f.Age > maxAge {
		return errs.New(errs.Validation, "invalid age[%v]", f.Age)
	}
	if f.PregnancyWeeks < 0 || f.PregnancyWeeks > maxPregnancyWeeks {
		return errs.New(errs.Validation, "invalid pregnancyWeeks[%v]", f.PregnancyWeeks)
	}
	if f.CheckIn.IsZero() {
		return errs.New(errs.Validation, "missing checkIn time")
	}
	if f.HasAppointment && f.AppointmentTime.IsZero() {
		return errs.New(errs.Validation, "hasAppointment without appointmentTime")
	}
	return nil
}

// DaysSinceLastVisit counts whole days between the last visit and check in.
// ok is false when no last visit is known.
func (f Factors) DaysSinceLastVisit() (days int, ok bool) {
	if f.LastVisit.IsZero() {
		return 0, false
	}
	d := f.CheckIn.Sub(f.LastVisit)
	days = int(d / (24 * time.Hour))
	if d < 0 && d%(24*time.Hour) != 0 {
		days--
	}
	return days, true
}
