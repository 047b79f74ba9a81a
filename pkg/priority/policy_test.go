package priority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revita/clinic/dispatch-queue-server/pkg/errs"
)

var checkIn = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func boolPtr(b bool) *bool { return &b }

func TestLinearScore(t *testing.T) {
	cases := []struct {
		name  string
		f     Factors
		total int
		tier  Tier
	}{
		{"adult baseline", Factors{Age: 30, CheckIn: checkIn}, 0, Low},
		{"elderly female", Factors{Age: 70, Gender: Female, CheckIn: checkIn}, 4, Medium},
		{"elderly male", Factors{Age: 70, Gender: Male, CheckIn: checkIn}, 3, Medium},
		{"child at six", Factors{Age: 6, CheckIn: checkIn}, 3, Medium},
		{"pregnant late", Factors{Age: 30, Pregnant: true, PregnancyWeeks: 25, CheckIn: checkIn}, 4, Medium},
		{"pregnant early", Factors{Age: 30, Pregnant: true, PregnancyWeeks: 19, CheckIn: checkIn}, 0, Low},
		{"appointment on time", Factors{Age: 30, CheckIn: checkIn, HasAppointment: true, AppointmentTime: checkIn.Add(10 * time.Minute)}, 5, Medium},
		{"appointment late", Factors{Age: 30, CheckIn: checkIn, HasAppointment: true, AppointmentTime: checkIn.Add(-20 * time.Minute)}, 2, Low},
		{"follow up flag", Factors{Age: 30, CheckIn: checkIn, FollowUp: boolPtr(true)}, 2, Low},
		{"follow up flag false wins", Factors{Age: 30, CheckIn: checkIn, FollowUp: boolPtr(false), LastVisit: checkIn.AddDate(0, 0, -3)}, 0, Low},
		{"recent last visit", Factors{Age: 30, CheckIn: checkIn, LastVisit: checkIn.AddDate(0, 0, -14)}, 2, Low},
		{"old last visit", Factors{Age: 30, CheckIn: checkIn, LastVisit: checkIn.AddDate(0, 0, -15)}, 0, Low},
		{"returned elderly", Factors{Age: 66, CheckIn: checkIn, ReturnedAfterService: true}, 9, High},
		{
			"everything",
			Factors{Age: 70, Gender: Female, CheckIn: checkIn, HasAppointment: true, AppointmentTime: checkIn, Disabled: true},
			13, VeryHigh,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			score := Linear{}.Score(c.f)
			assert.Equal(t, c.total, score.Total)
			assert.Equal(t, c.tier, score.Tier)
			assert.Equal(t, LinearName, score.Policy)
		})
	}
}

func TestLinearIsDeterministic(t *testing.T) {
	f := Factors{Age: 80, CheckIn: checkIn, LastVisit: checkIn.AddDate(0, 0, -2)}
	assert.Equal(t, Linear{}.Score(f), Linear{}.Score(f))
}

func TestClassSeparatedScore(t *testing.T) {
	cases := []struct {
		name  string
		f     Factors
		total int
		tier  Tier
	}{
		{"base", Factors{Age: 30}, 100, Low},
		{"elderly", Factors{Age: 70}, 440, Low},
		{"child", Factors{Age: 2}, 440, Low},
		{"pregnant", Factors{Age: 30, Pregnant: true, PregnancyWeeks: 30}, 650, Medium},
		{"elderly disabled", Factors{Age: 70, Disabled: true}, 940, Medium},
		{"disabled pregnant", Factors{Age: 30, Disabled: true, Pregnant: true, PregnancyWeeks: 20}, 1100, High},
		{"returned", Factors{Age: 30, ReturnedAfterService: true}, 10100, VeryHigh},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			score := ClassSeparated{}.Score(c.f)
			assert.Equal(t, c.total, score.Total)
			assert.Equal(t, c.tier, score.Tier)
		})
	}
}

func TestReturnedOutranksEveryOtherClass(t *testing.T) {
	everything := Factors{Age: 90, Disabled: true, Pregnant: true, PregnancyWeeks: 40}
	returned := Factors{Age: 30, ReturnedAfterService: true}

	assert.Greater(t, ClassSeparated{}.Score(returned).Total, ClassSeparated{}.Score(everything).Total)
}

func TestLookup(t *testing.T) {
	p, err := Lookup("LINEAR")
	require.NoError(t, err)
	assert.Equal(t, LinearName, p.Name())

	p, err = Lookup(ClassSeparatedName)
	require.NoError(t, err)
	assert.Equal(t, ClassSeparatedName, p.Name())

	_, err = Lookup("fifo")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Factors{Age: 40, CheckIn: checkIn}))

	for _, f := range []Factors{
		{Age: -1, CheckIn: checkIn},
		{Age: 151, CheckIn: checkIn},
		{Age: 30, PregnancyWeeks: 46, CheckIn: checkIn},
		{Age: 30},
		{Age: 30, CheckIn: checkIn, HasAppointment: true},
	} {
		assert.True(t, errs.Has(Validate(f), errs.Validation), "factors[%+v]", f)
	}
}

func TestTierText(t *testing.T) {
	text, err := High.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "HIGH", string(text))

	var tier Tier
	require.NoError(t, tier.UnmarshalText([]byte("very_high")))
	assert.Equal(t, VeryHigh, tier)
	assert.Error(t, tier.UnmarshalText([]byte("urgent")))
}

func TestDaysSinceLastVisitFloors(t *testing.T) {
	f := Factors{CheckIn: checkIn, LastVisit: checkIn.Add(-36 * time.Hour)}
	days, ok := f.DaysSinceLastVisit()
	require.True(t, ok)
	assert.Equal(t, 1, days)

	f.LastVisit = checkIn.Add(12 * time.Hour)
	days, _ = f.DaysSinceLastVisit()
	assert.Equal(t, -1, days)

	_, ok = Factors{CheckIn: checkIn}.DaysSinceLastVisit()
	assert.False(t, ok)
}
