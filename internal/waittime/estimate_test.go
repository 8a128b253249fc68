package waittime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Wednesday mid-morning: both factors are 1.0.
var neutralNow = time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

func TestEstimateZeroAtFrontOfQueue(t *testing.T) {
	res := Estimate(Input{Stats: Stats{AverageMinutes: 15, SampleSize: 30}, Position: 1, Now: neutralNow})
	assert.Equal(t, 0, res.Minutes)
	assert.Equal(t, 0, res.PatientsAhead)
	assert.Equal(t, ConfidenceHigh, res.Confidence)
}

func TestEstimateMonotonicInPosition(t *testing.T) {
	for _, now := range []time.Time{
		neutralNow,
		time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC),
		time.Date(2025, 3, 16, 20, 0, 0, 0, time.UTC),
	} {
		started := now.Add(-7 * time.Minute)
		for _, inProgress := range []*time.Time{nil, &started} {
			prev := -1
			for pos := 1; pos <= 25; pos++ {
				res := Estimate(Input{Stats: Stats{AverageMinutes: 12.5, SampleSize: 8}, Position: pos, Now: now, InProgressStartedAt: inProgress})
				assert.GreaterOrEqual(t, res.Minutes, prev, "position %d at %s", pos, now)
				prev = res.Minutes
			}
		}
	}
}

func TestEstimateArithmetic(t *testing.T) {
	tests := []struct {
		name    string
		in      Input
		minutes int
	}{
		{
			name:    "two ahead with transition buffer",
			in:      Input{Stats: Stats{AverageMinutes: 15}, Position: 3, Now: neutralNow},
			minutes: 33,
		},
		{
			name: "remaining time of consultation in progress",
			in: Input{
				Stats:               Stats{AverageMinutes: 15},
				Position:            1,
				Now:                 neutralNow,
				InProgressStartedAt: timePtr(neutralNow.Add(-5 * time.Minute)),
			},
			minutes: 10,
		},
		{
			name: "overrunning consultation floors at zero",
			in: Input{
				Stats:               Stats{AverageMinutes: 15},
				Position:            2,
				Now:                 neutralNow,
				InProgressStartedAt: timePtr(neutralNow.Add(-40 * time.Minute)),
			},
			minutes: 17,
		},
		{
			name:    "monday after lunch",
			in:      Input{Stats: Stats{AverageMinutes: 20}, Position: 2, Now: time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)},
			minutes: 27,
		},
		{
			name:    "position below one is treated as front",
			in:      Input{Stats: Stats{AverageMinutes: 20}, Position: 0, Now: neutralNow},
			minutes: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.minutes, Estimate(tt.in).Minutes)
		})
	}
}

func TestEstimateIsPure(t *testing.T) {
	in := Input{Stats: Stats{AverageMinutes: 17, SampleSize: 3}, Position: 4, Now: neutralNow}
	assert.Equal(t, Estimate(in), Estimate(in))
}

func TestFactorTables(t *testing.T) {
	assert.Equal(t, 0.95, TimeOfDayFactor(12))
	assert.Equal(t, 1.1, TimeOfDayFactor(15))
	assert.Equal(t, 1.0, TimeOfDayFactor(13))
	assert.Equal(t, 1.0, TimeOfDayFactor(7))
	assert.Equal(t, 1.15, DayOfWeekFactor(time.Monday))
	assert.Equal(t, 0.9, DayOfWeekFactor(time.Sunday))
	assert.Equal(t, 0.95, DayOfWeekFactor(time.Saturday))
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, ConfidenceHigh, Stats{SampleSize: 20}.Confidence())
	assert.Equal(t, ConfidenceHigh, Stats{SampleSize: 5, SameDay: true}.Confidence())
	assert.Equal(t, ConfidenceMedium, Stats{SampleSize: 5}.Confidence())
	assert.Equal(t, ConfidenceMedium, Stats{SampleSize: 1, FromDefault: true}.Confidence())
	assert.Equal(t, ConfidenceLow, Stats{}.Confidence())
}

func TestRecommend(t *testing.T) {
	assert.Equal(t, ActionProceedNow, Recommend(0, 1).Action)
	assert.Equal(t, ActionBeReady, Recommend(5, 2).Action)
	assert.Equal(t, ActionLeaveNow, Recommend(15, 3).Action)
	assert.Equal(t, ActionPrepare, Recommend(30, 4).Action)
	assert.Equal(t, ActionWait, Recommend(45, 5).Action)
	assert.Equal(t, ActionWait, Recommend(120, 9).Action)
}

func timePtr(t time.Time) *time.Time { return &t }
