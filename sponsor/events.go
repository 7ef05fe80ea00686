package sponsor

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Stage names one step of the sponsored-operation pipeline.
type Stage string

const (
	StageConnecting           Stage = "connecting"
	StageResolvingAccount     Stage = "resolving_account"
	StageSigningPermit        Stage = "signing_permit"
	StageEncodingPayload      Stage = "encoding_payload"
	StageEstimatingFees       Stage = "estimating_fees"
	StageSubmitting           Stage = "submitting"
	StageAwaitingConfirmation Stage = "awaiting_confirmation"
	StageConfirmed            Stage = "confirmed"
	StageFailed               Stage = "failed"
)

// PipelineStages lists the non-terminal stages in emission order.
var PipelineStages = []Stage{
	StageConnecting,
	StageResolvingAccount,
	StageSigningPermit,
	StageEncodingPayload,
	StageEstimatingFees,
	StageSubmitting,
	StageAwaitingConfirmation,
}

// Terminal reports whether s ends an attempt.
func (s Stage) Terminal() bool {
	return s == StageConfirmed || s == StageFailed
}

// Event is one structured lifecycle entry. Presentation is left to observers.
type Event struct {
	Seq     int                    `json:"seq"`
	Stage   Stage                  `json:"stage"`
	Time    time.Time              `json:"time"`
	Elapsed time.Duration          `json:"elapsed"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
	// Err is set on failed events only.
	Err error `json:"-"`
}

// Observer receives events as they are appended.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// EventLog is an append-only ordered sequence of events for one attempt.
type EventLog struct {
	mu        sync.Mutex
	start     time.Time
	events    []Event
	observers []Observer
	now       func() time.Time
}

// NewEventLog starts an empty log that notifies observers on every append.
func NewEventLog(observers ...Observer) *EventLog {
	return &EventLog{
		start:     time.Now(),
		observers: observers,
		now:       time.Now,
	}
}

// Append records a new event and returns it with its sequence number assigned.
func (l *EventLog) Append(stage Stage, fields map[string]interface{}, err error) Event {
	l.mu.Lock()
	now := l.now()
	ev := Event{
		Seq:     len(l.events),
		Stage:   stage,
		Time:    now,
		Elapsed: now.Sub(l.start),
		Fields:  fields,
		Err:     err,
	}
	l.events = append(l.events, ev)
	observers := l.observers
	l.mu.Unlock()

	for _, o := range observers {
		o.OnEvent(ev)
	}
	return ev
}

// Events returns a copy of the recorded events.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Stages returns just the stage names, in order.
func (l *EventLog) Stages() []Stage {
	events := l.Events()
	stages := make([]Stage, len(events))
	for i, e := range events {
		stages[i] = e.Stage
	}
	return stages
}

// LogObserver writes events through a logrus logger.
type LogObserver struct {
	Logger logrus.FieldLogger
}

func (o LogObserver) OnEvent(e Event) {
	entry := o.Logger.WithFields(logrus.Fields{
		"seq":     e.Seq,
		"stage":   e.Stage,
		"elapsed": e.Elapsed.Round(time.Millisecond).String(),
	})
	for k, v := range e.Fields {
		entry = entry.WithField(k, v)
	}
	switch {
	case e.Err != nil:
		entry.WithError(e.Err).Error("attempt failed")
	case e.Stage == StageConfirmed:
		entry.Info("operation confirmed")
	default:
		entry.Info(string(e.Stage))
	}
}
