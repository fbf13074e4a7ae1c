package ota

import (
	"crypto/md5"
	"encoding/hex"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/iotfleet/internal/topic"
)

const DefaultMaxBytes = 512 << 20

type Firmware struct {
	Path    string
	Payload []byte
	Digest  string // lowercase hex md5, same as device $fw/checksum
}

func (f *Firmware) Size() int { return len(f.Payload) }

// LoadFirmware is done before any broker I/O.
func LoadFirmware(path string, maxBytes int64) (*Firmware, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, errors.Annotatef(ErrFirmwareNotFound, "path=%s", path)
	} else if err != nil {
		return nil, errors.Annotatef(err, "firmware path=%s", path)
	}
	if fi.IsDir() {
		return nil, errors.Annotatef(ErrFirmwareNotFound, "path=%s is directory", path)
	}
	if fi.Size() > maxBytes {
		return nil, errors.Annotatef(ErrFileTooLarge, "path=%s size=%d max=%d", path, fi.Size(), maxBytes)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "firmware path=%s", path)
	}
	return &Firmware{Path: path, Payload: b, Digest: Digest(b)}, nil
}

func Digest(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// Style selects where firmware payload is published.
type Style string

const (
	StyleDigest         Style = "digest"         // devices/<id>/firmware/<digest>
	StyleImplementation Style = "implementation" // devices/<id>/$implementation/ota/firmware
)

func ParseStyle(s string) (Style, error) {
	switch Style(s) {
	case "", StyleDigest:
		return StyleDigest, nil
	case StyleImplementation:
		return StyleImplementation, nil
	}
	return "", errors.NotValidf("firmware topic style=%q", s)
}

func (s Style) Topic(device, digest string) string {
	if s == StyleImplementation {
		return topic.Device(device, topic.OtaFirmware)
	}
	return topic.Firmware(device, digest)
}
