package events

import "errors"

var (
	// ErrBusFull is returned when the bus's broadcast channel is full.
	ErrBusFull = errors.New("events: bus channel full")

	// ErrSubscriberFull is returned when a subscriber's delivery channel is full.
	ErrSubscriberFull = errors.New("events: subscriber channel full")
)
