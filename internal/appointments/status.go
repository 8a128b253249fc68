package appointments

// Status is the primary booking status. It decides whether an appointment
// occupies a bookable slot.
//
//	pending → confirmed → in_progress → completed
//	pending → in_progress (walk-in consultations started without confirmation)
//	pending | confirmed → cancelled
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var statusTransitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusInProgress, StatusCancelled},
	StatusConfirmed:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

func (s Status) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// Active reports whether the status holds the (doctor, date, time) slot.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusInProgress
}

// Final reports whether the record is immutable history.
func (s Status) Final() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// QueueStatus tracks physical presence at the clinic, independently of Status.
//
//	waiting → verified → in_queue → completed | no_show
//	any non-terminal → expired
type QueueStatus string

const (
	QueueWaiting   QueueStatus = "waiting"
	QueueVerified  QueueStatus = "verified"
	QueueInQueue   QueueStatus = "in_queue"
	QueueCompleted QueueStatus = "completed"
	QueueExpired   QueueStatus = "expired"
	QueueNoShow    QueueStatus = "no_show"
)

var queueTransitions = map[QueueStatus][]QueueStatus{
	QueueWaiting:   {QueueVerified, QueueExpired},
	QueueVerified:  {QueueInQueue, QueueCompleted, QueueNoShow, QueueExpired},
	QueueInQueue:   {QueueCompleted, QueueNoShow, QueueExpired},
	QueueCompleted: {},
	QueueExpired:   {},
	QueueNoShow:    {},
}

func (q QueueStatus) Valid() bool {
	_, ok := queueTransitions[q]
	return ok
}

func (q QueueStatus) Terminal() bool {
	return q == QueueCompleted || q == QueueExpired || q == QueueNoShow
}

// Queued reports whether the appointment counts towards the doctor's live queue.
func (q QueueStatus) Queued() bool {
	return q == QueueVerified || q == QueueInQueue
}

func (q QueueStatus) CanTransitionTo(next QueueStatus) bool {
	for _, allowed := range queueTransitions[q] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ConsultationType distinguishes clinic visits from video consultations.
type ConsultationType string

const (
	ConsultationInPerson ConsultationType = "in_person"
	ConsultationOnline   ConsultationType = "online"
)

func (c ConsultationType) Valid() bool {
	return c == ConsultationInPerson || c == ConsultationOnline
}

type PaymentStatus string

const (
	PaymentPending         PaymentStatus = "pending"
	PaymentCompleted       PaymentStatus = "completed"
	PaymentFailed          PaymentStatus = "failed"
	PaymentRefunded        PaymentStatus = "refunded"
	PaymentRefundRequested PaymentStatus = "refund_requested"
	PaymentNotRequired     PaymentStatus = "not_required"
)

// Actor identifies who cancelled an appointment.
type Actor string

const (
	ActorPatient Actor = "patient"
	ActorDoctor  Actor = "doctor"
	ActorClinic  Actor = "clinic"
	ActorSystem  Actor = "system"
)

func (a Actor) Valid() bool {
	switch a {
	case ActorPatient, ActorDoctor, ActorClinic, ActorSystem:
		return true
	}
	return false
}

// Provider-side actors cancel on the patient's behalf and trigger compensation.
func (a Actor) ProviderSide() bool {
	return a == ActorDoctor || a == ActorClinic || a == ActorSystem
}

// RefundPolicy names the decision-table branch that produced a refund outcome.
type RefundPolicy string

const (
	PolicyNoPayment       RefundPolicy = "no_payment"
	PolicyDoctorCancelled RefundPolicy = "doctor_cancelled"
	PolicyNoShow          RefundPolicy = "no_show"
	PolicyFullRefund      RefundPolicy = "full_refund"
	PolicyPartialRefund   RefundPolicy = "partial_refund"
)

// RefundStatus is the gateway sub-status recorded next to the snapshot.
type RefundStatus string

const (
	RefundNotAttempted RefundStatus = ""
	RefundAttempting   RefundStatus = "attempting"
	RefundProcessed    RefundStatus = "processed"
	RefundPending      RefundStatus = "pending"
	RefundFailed       RefundStatus = "failed"
	RefundSkipped      RefundStatus = "skipped"
)
