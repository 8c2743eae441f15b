package swap

import (
	"github.com/Cogwheel-Validator/spectra-lbp-portal/portal/models"
)

// Field names one of the two amount inputs of the swap form.
type Field int

const (
	// FieldFrom is the offer side.
	FieldFrom Field = iota
	// FieldTo is the ask side.
	FieldTo
)

func (f Field) String() string {
	if f == FieldTo {
		return "to"
	}
	return "from"
}

// Other returns the opposite field.
func (f Field) Other() Field {
	if f == FieldFrom {
		return FieldTo
	}
	return FieldFrom
}

// Direction is the simulation query a driver field issues.
func (f Field) Direction() string {
	if f == FieldTo {
		return "reverse"
	}
	return "forward"
}

// MarshalText renders the field as "from" or "to".
func (f Field) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// Status tracks the derived field.
type Status int

const (
	// StatusIdle means no simulation is outstanding.
	StatusIdle Status = iota
	// StatusAwaiting means an edit is waiting for its simulation.
	StatusAwaiting
	// StatusApplied means the derived field holds the answer to the latest edit.
	StatusApplied
)

func (s Status) String() string {
	switch s {
	case StatusAwaiting:
		return "awaiting"
	case StatusApplied:
		return "applied"
	default:
		return "idle"
	}
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is a snapshot of the swap form.
type State struct {
	From    string       `json:"from"`
	To      string       `json:"to"`
	Offer   models.Asset `json:"-"`
	Ask     models.Asset `json:"-"`
	Driver  Field        `json:"driver"`
	Status  Status       `json:"status"`
	Notice  string       `json:"notice,omitempty"`
	FromUSD string       `json:"from_usd,omitempty"`
	ToUSD   string       `json:"to_usd,omitempty"`
	// Seq is the sequence number of the latest edit.
	Seq uint64 `json:"seq"`
	// Version increases with every snapshot.
	Version uint64 `json:"version"`
}
