package mqtt

import (
	"fmt"
	"unicode/utf8"

	"github.com/256dpi/gomqtt/packet"
)

// Payloads longer than this are shown as size only, firmware images are megabytes.
const debugPayloadMax = 256

func PacketString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	if pub, ok := p.(*packet.Publish); ok {
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pub.ID, pub.Dup, MessageString(&pub.Message))
	}
	return p.String()
}

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%s", m.Topic, m.QOS, m.Retain, PayloadString(m.Payload))
}

// PayloadString is quoted text for printable payloads, hex for binary, size for large.
func PayloadString(b []byte) string {
	switch {
	case len(b) > debugPayloadMax:
		return fmt.Sprintf("(%d bytes)", len(b))
	case utf8.Valid(b):
		return fmt.Sprintf("%q", b)
	}
	return fmt.Sprintf("%x", b)
}
