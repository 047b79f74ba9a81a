package priority

import (
	"fmt"
	"strings"
	"time"
)

type Tier int

const (
	Low Tier = iota
	Medium
	High
	VeryHigh
)

var tierNames = map[Tier]string{
	Low:      "LOW",
	Medium:   "MEDIUM",
	High:     "HIGH",
	VeryHigh: "VERY_HIGH",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tier(%d)", int(t))
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(text []byte) error {
	for tier, name := range tierNames {
		if name == strings.ToUpper(string(text)) {
			*t = tier
			return nil
		}
	}
	return fmt.Errorf("unknown tier %q", text)
}

type Score struct {
	Total  int    `json:"total"`
	Tier   Tier   `json:"tier"`
	Policy string `json:"policy"`
}

// Policy turns Factors into a Score. Implementations must be pure: the same
// factors always give the same score.
type Policy interface {
	Name() string
	Score(f Factors) Score
}

const (
	LinearName         = "linear"
	ClassSeparatedName = "class"
)

func Lookup(name string) (Policy, error) {
	switch strings.ToLower(name) {
	case LinearName:
		return Linear{}, nil
	case ClassSeparatedName:
		return ClassSeparated{}, nil
	default:
		return nil, fmt.Errorf("unknown scoring policy %q", name)
	}
}

// Linear adds small fixed bonuses per factor. Used by reception counters.
type Linear struct{}

const appointmentWindow = 15 * time.Minute

func (Linear) Name() string { return LinearName }

func (p Linear) Score(f Factors) Score {
	total := 0

	if f.Age >= 65 {
		total += 3
	}
	if f.Age <= 6 {
		total += 3
	}
	if f.Pregnant && f.PregnancyWeeks >= 20 {
		total += 4
	}
	if f.HasAppointment && !f.AppointmentTime.IsZero() {
		diff := f.CheckIn.Sub(f.AppointmentTime)
		if diff < 0 {
			diff = -diff
		}
		if diff <= appointmentWindow {
			total += 5
		} else {
			total += 2
		}
	}
	if f.Disabled {
		total += 4
	}
	if f.FollowUp != nil {
		if *f.FollowUp {
			total += 2
		}
	} else if days, ok := f.DaysSinceLastVisit(); ok && days <= 14 {
		total += 2
	}
	if f.ReturnedAfterService {
		total += 6
	}
	if f.Age >= 65 && f.Gender == Female {
		total += 1
	}

	return Score{Total: total, Tier: p.Tier(total), Policy: LinearName}
}

func (Linear) Tier(total int) Tier {
	switch {
	case total >= 10:
		return VeryHigh
	case total >= 7:
		return High
	case total >= 3:
		return Medium
	default:
		return Low
	}
}

// ClassSeparated gives every class a distinct magnitude so a returning
// patient always outranks any combination of the other classes. Used by
// clinical booths.
type ClassSeparated struct{}

const (
	classBase              = 100
	classElderly           = 200
	classElderlyMultiplier = 2
	classChild             = 300
	classChildMultiplier   = 10
	classPregnant          = 400
	classWeekMultiplier    = 5
	classDisabled          = 500
	classReturned          = 10000
)

func (ClassSeparated) Name() string { return ClassSeparatedName }

func (p ClassSeparated) Score(f Factors) Score {
	total := classBase

	if f.Age >= 65 {
		total += classElderly + f.Age*classElderlyMultiplier
	}
	if f.Age < 6 {
		total += classChild + (6-f.Age)*classChildMultiplier
	}
	if f.Pregnant && f.PregnancyWeeks > 0 {
		total += classPregnant + f.PregnancyWeeks*classWeekMultiplier
	}
	if f.Disabled {
		total += classDisabled
	}
	if f.ReturnedAfterService {
		total += classReturned
	}

	return Score{Total: total, Tier: p.Tier(total), Policy: ClassSeparatedName}
}

func (ClassSeparated) Tier(total int) Tier {
	switch {
	case total >= 10000:
		return VeryHigh
	case total >= 1000:
		return High
	case total >= 500:
		return Medium
	default:
		return Low
	}
}
