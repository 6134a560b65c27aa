// Package modelorder provides domain types of the order lifecycle.
package modelorder

import "time"

// Status is a state of an order.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusReceived  Status = "received"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	return s == StatusReceived || s == StatusCancelled || s == StatusExpired
}

// Lease is a provider-issued phone number together with its provider-side order identifier.
type Lease struct {
	ProviderOrderID string
	PhoneNumber     string
}

// OutcomeKind enumerates provider-side order outcomes.
type OutcomeKind int

const (
	OutcomeWaiting OutcomeKind = iota
	OutcomeReceived
	OutcomeCancelled
)

// Outcome is a normalized provider reply to a status check.
type Outcome struct {
	Kind OutcomeKind
	Code string
}

func Waiting() Outcome {
	return Outcome{Kind: OutcomeWaiting}
}

func Received(code string) Outcome {
	return Outcome{Kind: OutcomeReceived, Code: code}
}

func Cancelled() Outcome {
	return Outcome{Kind: OutcomeCancelled}
}

// Status maps an outcome onto the order state machine.
func (o Outcome) Status() Status {
	switch o.Kind {
	case OutcomeReceived:
		return StatusReceived
	case OutcomeCancelled:
		return StatusCancelled
	default:
		return StatusWaiting
	}
}

// Owner identifies who an order belongs to: exactly one of UserID and Token is set.
type Owner struct {
	UserID string
	Token  string
}

// ForUser returns an owner bound to an authenticated user.
func ForUser(userID string) Owner {
	return Owner{UserID: userID}
}

// ForToken returns an owner bound to a purchase token.
func ForToken(token string) Owner {
	return Owner{Token: token}
}

// IsAnonymous reports whether the owner is a purchase token.
func (o Owner) IsAnonymous() bool {
	return o.UserID == "" && o.Token != ""
}

// Valid reports whether exactly one owner reference is set.
func (o Owner) Valid() bool {
	return (o.UserID == "") != (o.Token == "")
}

// Order is the engine-side view of a persisted order.
type Order struct {
	ID              string
	Owner           Owner
	ServiceID       string
	CountryID       string
	PhoneNumber     string
	ProviderOrderID string
	Status          Status
	SMSCode         string
	CreatedAt       time.Time
}
