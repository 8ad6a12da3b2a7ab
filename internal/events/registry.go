// Package events holds the static table of application events that can trigger
// a notification, together with the class and priority each one carries.
package events

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnknownEvent = errors.New("unknown event")

type Event string

const (
	UserSignup          Event = "user_signup"
	UserLogin           Event = "user_login"
	PasswordReset       Event = "password_reset"
	PasswordChanged     Event = "password_changed"
	BookingConfirmation Event = "booking_confirmation"
	BookingCancelled    Event = "booking_cancelled"
	PaymentSuccess      Event = "payment_success"
	PaymentFailed       Event = "payment_failed"
	AccountUpdate       Event = "account_update"
	SecurityAlert       Event = "security_alert"
)

type Class string

const (
	ClassTransactional Class = "transactional"
	ClassPromotional   Class = "promotional"
	ClassSystem        Class = "system"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

type Config struct {
	Class       Class
	Priority    Priority
	Description string
}

var registry = map[Event]Config{
	UserSignup:          {ClassTransactional, PriorityHigh, "New user registration confirmation"},
	UserLogin:           {ClassSystem, PriorityLow, "User login notification"},
	PasswordReset:       {ClassTransactional, PriorityHigh, "Password reset request"},
	PasswordChanged:     {ClassTransactional, PriorityHigh, "Password successfully changed"},
	BookingConfirmation: {ClassTransactional, PriorityHigh, "Booking confirmed"},
	BookingCancelled:    {ClassTransactional, PriorityHigh, "Booking cancelled"},
	PaymentSuccess:      {ClassTransactional, PriorityHigh, "Payment processed successfully"},
	PaymentFailed:       {ClassTransactional, PriorityHigh, "Payment processing failed"},
	AccountUpdate:       {ClassSystem, PriorityMedium, "Account information updated"},
	SecurityAlert:       {ClassSystem, PriorityHigh, "Security-related alert"},
}

// Lookup returns the registered configuration of e.
func Lookup(e Event) (Config, error) {
	cfg, ok := registry[e]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownEvent, string(e))
	}
	return cfg, nil
}

// Parse validates a raw event tag.
func Parse(tag string) (Event, error) {
	e := Event(tag)
	if _, err := Lookup(e); err != nil {
		return "", err
	}
	return e, nil
}

// All lists the registered events in lexical order.
func All() []Event {
	out := make([]Event, 0, len(registry))
	for e := range registry {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
