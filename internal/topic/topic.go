// Package topic maps broker topics to device addresses and back.
//
//	devices/<id>/<subtopic...>   device state, commands
//	devices/$broadcast/<key>     fleet-wide channel
//	environment/<key>            environment values, addressed as device "$environment"
package topic

import (
	"regexp"
	"strings"

	"github.com/juju/errors"
)

const (
	Root        = "devices"
	EnvRoot     = "environment"
	Broadcast   = "$broadcast"
	Environment = "$environment"
)

// Well-known subtopics.
const (
	Online      = "$online"
	FwChecksum  = "$fw/checksum"
	FwName      = "$fw/name"
	FwVersion   = "$fw/version"
	OtaChecksum = "$implementation/ota/checksum"
	OtaFirmware = "$implementation/ota/firmware"
	OtaStatus   = "$implementation/ota/status"
	IOTtime     = "IOTtime"
)

var ErrMalformedTopic = errors.NotValidf("topic")

var reDeviceID = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)
var reReserved = regexp.MustCompile(`^\$[a-zA-Z0-9-]+$`)

type Address struct {
	Device   string
	Subtopic string
}

func (a Address) String() string { return Build(a) }

// IsReserved reports pseudo-devices which are not real fleet members.
func IsReserved(id string) bool { return strings.HasPrefix(id, "$") }

// ValidDevice accepts regular device ids and reserved $names.
func ValidDevice(id string) bool {
	return reDeviceID.MatchString(id) || reReserved.MatchString(id)
}

func Decode(t string) (Address, error) {
	head, rest, ok := strings.Cut(t, "/")
	if !ok {
		return Address{}, errors.Annotatef(ErrMalformedTopic, "topic=%q", t)
	}
	switch head {
	case Root:
		id, sub, ok := strings.Cut(rest, "/")
		if !ok || sub == "" || !ValidDevice(id) || id == Environment {
			return Address{}, errors.Annotatef(ErrMalformedTopic, "topic=%q", t)
		}
		return Address{Device: id, Subtopic: sub}, nil

	case EnvRoot:
		if rest == "" {
			return Address{}, errors.Annotatef(ErrMalformedTopic, "topic=%q", t)
		}
		return Address{Device: Environment, Subtopic: rest}, nil
	}
	return Address{}, errors.Annotatef(ErrMalformedTopic, "topic=%q", t)
}

func Build(a Address) string {
	if a.Device == Environment {
		return EnvRoot + "/" + a.Subtopic
	}
	return Root + "/" + a.Device + "/" + a.Subtopic
}

func Device(id, subtopic string) string { return Build(Address{Device: id, Subtopic: subtopic}) }

// Set is the command topic of device actuator, e.g. Set("a", "led/on") = devices/a/led/on/set
func Set(id, actuator string) string { return Device(id, actuator+"/set") }

// Filter is subscription pattern for every subtopic of id, or the whole fleet when id is empty.
func Filter(id string) string {
	if id == "" {
		return Root + "/#"
	}
	return Root + "/" + id + "/#"
}

// Firmware topic of digest style, devices/<id>/firmware/<digest>
func Firmware(id, digest string) string { return Device(id, "firmware/"+digest) }

func IsMalformed(err error) bool { return errors.Cause(err) == ErrMalformedTopic }
