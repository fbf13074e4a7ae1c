package ota

import "github.com/juju/errors"

var (
	ErrFirmwareNotFound = errors.NotFoundf("firmware")
	ErrFileTooLarge     = errors.New("firmware file too large")
	ErrDeviceUnknown    = errors.NotFoundf("device")
	ErrDeviceOffline    = errors.New("device offline")
	ErrOtaInProgress    = errors.New("device reports OTA in progress")
	ErrAlreadyCurrent   = errors.New("firmware already current")
	ErrDeviceRejected   = errors.New("device rejected OTA")
	ErrDeviceError      = errors.New("device OTA error")
	ErrProtocolTimeout  = errors.Timeoutf("OTA status")
)
