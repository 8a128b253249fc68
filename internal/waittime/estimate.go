// Package waittime predicts how long a queued patient will wait for the doctor.
package waittime

import (
	"math"
	"time"
)

const (
	// TransitionMinutes is the hand-off buffer added per patient ahead.
	TransitionMinutes = 1.5

	highConfidenceSamples        = 20
	highConfidenceSameDaySamples = 5
)

// Confidence is a qualitative label for an estimate.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Stats is a snapshot of a doctor's consultation history.
type Stats struct {
	AverageMinutes float64   `json:"average_minutes"`
	SampleSize     int       `json:"sample_size"`
	SameDay        bool      `json:"same_day"`
	FromDefault    bool      `json:"from_default"`
	ComputedAt     time.Time `json:"computed_at"`
}

// Confidence labels the stats by how much history backs them.
func (s Stats) Confidence() Confidence {
	switch {
	case s.SampleSize >= highConfidenceSamples,
		s.SameDay && s.SampleSize >= highConfidenceSameDaySamples:
		return ConfidenceHigh
	case s.SampleSize > 0:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Input carries everything Estimate needs. Now must be in clinic local time.
type Input struct {
	Stats    Stats
	Position int
	Now      time.Time
	// InProgressStartedAt is set when the doctor is currently seeing someone.
	InProgressStartedAt *time.Time
}

// Result is a wait estimate.
type Result struct {
	Minutes                int        `json:"minutes"`
	Confidence             Confidence `json:"confidence"`
	PatientsAhead          int        `json:"patients_ahead"`
	AverageMinutes         float64    `json:"average_minutes"`
	AdjustedAverageMinutes float64    `json:"adjusted_average_minutes"`
	TimeOfDayFactor        float64    `json:"time_of_day_factor"`
	DayOfWeekFactor        float64    `json:"day_of_week_factor"`
}

// Estimate is a pure function of its input.
func Estimate(in Input) Result {
	position := in.Position
	if position < 1 {
		position = 1
	}
	ahead := position - 1

	tod := TimeOfDayFactor(in.Now.Hour())
	dow := DayOfWeekFactor(in.Now.Weekday())
	adjusted := in.Stats.AverageMinutes * tod * dow

	base := float64(ahead) * adjusted
	if in.InProgressStartedAt != nil {
		elapsed := in.Now.Sub(*in.InProgressStartedAt).Minutes()
		base = math.Max(0, adjusted-elapsed) + float64(ahead)*adjusted
	}
	total := base + float64(ahead)*TransitionMinutes

	minutes := int(math.Round(total))
	if minutes < 0 {
		minutes = 0
	}
	return Result{
		Minutes:                minutes,
		Confidence:             in.Stats.Confidence(),
		PatientsAhead:          ahead,
		AverageMinutes:         in.Stats.AverageMinutes,
		AdjustedAverageMinutes: adjusted,
		TimeOfDayFactor:        tod,
		DayOfWeekFactor:        dow,
	}
}

// TimeOfDayFactor slows estimates after lunch and speeds them before it.
func TimeOfDayFactor(hour int) float64 {
	switch {
	case hour >= 9 && hour < 11:
		return 1.0
	case hour >= 11 && hour < 13:
		return 0.95
	case hour >= 14 && hour < 16:
		return 1.1
	case hour >= 16 && hour < 19:
		return 1.0
	default:
		return 1.0
	}
}

var dayOfWeekFactors = [7]float64{
	time.Sunday:    0.9,
	time.Monday:    1.15,
	time.Tuesday:   1.05,
	time.Wednesday: 1.0,
	time.Thursday:  1.0,
	time.Friday:    1.1,
	time.Saturday:  0.95,
}

func DayOfWeekFactor(day time.Weekday) float64 {
	if day < time.Sunday || day > time.Saturday {
		return 1.0
	}
	return dayOfWeekFactors[day]
}

// Action tells a patient what to do next.
type Action string

const (
	ActionProceedNow Action = "proceed_now"
	ActionBeReady    Action = "be_ready"
	ActionLeaveNow   Action = "leave_now"
	ActionPrepare    Action = "prepare"
	ActionWait       Action = "wait"
)

type Recommendation struct {
	Action  Action `json:"action"`
	Urgency string `json:"urgency"`
	Message string `json:"message"`
}

// Recommend maps a wait estimate to a patient-facing nudge.
func Recommend(waitMinutes, position int) Recommendation {
	switch {
	case position <= 1:
		return Recommendation{ActionProceedNow, "immediate", "It's your turn. Please proceed to the consultation room."}
	case waitMinutes <= 5:
		return Recommendation{ActionBeReady, "high", "Almost your turn. Please be ready at the clinic."}
	case waitMinutes <= 15:
		return Recommendation{ActionLeaveNow, "medium", "Time to head to the clinic if you're not there yet."}
	case waitMinutes <= 30:
		return Recommendation{ActionPrepare, "low", "Start preparing to leave in the next 10-15 minutes."}
	case waitMinutes <= 60:
		return Recommendation{ActionWait, "none", "You have some time. We'll let you know when to leave."}
	default:
		return Recommendation{ActionWait, "none", "Relax. You'll get updates as your turn approaches."}
	}
}
