//go:build !linux

package intr

import "github.com/ehrlich-b/go-bnxt/internal/logging"

// EventfdRegistrar needs Linux eventfds
type EventfdRegistrar struct{}

func NewEventfdRegistrar(*logging.Logger) *EventfdRegistrar {
	return &EventfdRegistrar{}
}

func (r *EventfdRegistrar) Register(int, func()) (Handle, error) {
	return nil, ErrNotSupported
}

func (r *EventfdRegistrar) Fire(int) bool { return false }
