// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared by the bridge, the device layer and the engine.
var (
	// Transient unavailability
	ErrWouldBlock    = errors.New("irqbridge: operation would block")
	ErrTxUnavailable = errors.New("irqbridge: transmit buffer unavailable")

	// Producer boundary rejections (counted, never surfaced from interrupt context)
	ErrPeerMismatch  = errors.New("irqbridge: frame from unexpected peer")
	ErrFrameTooLarge = errors.New("irqbridge: frame exceeds slot capacity")

	// Device errors
	ErrDeviceClosed       = errors.New("irqbridge: device closed")
	ErrAddressResolution  = errors.New("irqbridge: address resolution failed")
	ErrDeviceUnreadable   = errors.New("irqbridge: device buffer unreadable")
	ErrInterruptsDisarmed = errors.New("irqbridge: interrupts not armed")

	// Session errors
	ErrAllocation      = errors.New("irqbridge: allocation failed")
	ErrHandshakeFailed = errors.New("irqbridge: handshake failed")

	// Configuration errors
	ErrConfigInvalid = errors.New("irqbridge: invalid configuration")
)
