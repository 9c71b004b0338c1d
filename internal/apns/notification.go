package apns

import (
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"pushgate/internal/push"
)

const (
	CommandNotification = 1
	CommandErrorReply   = 8

	DeviceTokenBinarySize = 32
	DeviceTokenStringSize = 64
	MaxPayloadSize        = 2048

	// identifierWrapAt keeps ids clear of the int32 ceiling.
	identifierWrapAt = 2147483637

	headerSize = 1 + 4 + 4 + 2 + DeviceTokenBinarySize + 2
)

var nextIdentifier atomic.Int32

// NextIdentifier hands out process-wide notification ids: 0, 1, 2, ...
// wrapping back to 1 once the counter reaches identifierWrapAt.
func NextIdentifier() int32 {
	for {
		cur := nextIdentifier.Load()
		id, next := cur, cur+1
		if cur >= identifierWrapAt {
			id, next = 1, 2
		}
		if nextIdentifier.CompareAndSwap(cur, next) {
			return id
		}
	}
}

// Notification is one APNs push.
type Notification struct {
	push.Base

	Identifier  int32
	DeviceToken string
	Payload     *Payload

	// Expiration nil means one month from encode time.
	Expiration *time.Time
	// DoNotStore asks the gateway not to store the notification (expiry 0xFFFFFFFF).
	DoNotStore bool
}

var _ push.Notification = (*Notification)(nil)

// NewNotification assigns the next identifier.
func NewNotification(deviceToken string, payload *Payload) *Notification {
	if payload == nil {
		payload = &Payload{}
	}
	return &Notification{
		Identifier:  NextIdentifier(),
		DeviceToken: deviceToken,
		Payload:     payload,
	}
}

// IsDeviceRegistrationIDValid reports whether the token is non-empty hex.
func (n *Notification) IsDeviceRegistrationIDValid() bool {
	if n.DeviceToken == "" {
		return false
	}
	for i := 0; i < len(n.DeviceToken); i++ {
		c := n.DeviceToken[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func (n *Notification) String() string {
	if n.Payload == nil {
		return "{}"
	}
	return n.Payload.JSON()
}

// ToBytes validates n and encodes the command-1 frame. Validation failures
// are *NotificationFailureError and happen before anything is written.
//
// An oversized payload has its alert body trimmed until it fits; the
// trimmed body is kept on n.Payload.
func (n *Notification) ToBytes() ([]byte, error) {
	return n.encode(time.Now())
}

func (n *Notification) encode(now time.Time) ([]byte, error) {
	expiry := int32(-1)
	if !n.DoNotStore {
		at := now.UTC().AddDate(0, 1, 0)
		if n.Expiration != nil {
			at = *n.Expiration
		}
		expiry = int32(at.Unix())
	}

	if n.DeviceToken == "" {
		return nil, failure(StatusMissingDeviceToken, n)
	}
	if !n.IsDeviceRegistrationIDValid() {
		return nil, failure(StatusInvalidToken, n)
	}
	if len(n.DeviceToken) != DeviceTokenStringSize {
		return nil, failure(StatusInvalidTokenSize, n)
	}
	token, err := hex.DecodeString(n.DeviceToken)
	if err != nil {
		return nil, failure(StatusInvalidToken, n)
	}

	if n.Payload == nil {
		n.Payload = &Payload{}
	}
	body, err := n.Payload.MarshalJSON()
	if err != nil {
		return nil, failure(StatusMissingPayload, n)
	}
	for len(body) > MaxPayloadSize && n.Payload.Alert.Body != "" {
		over := len(body) - MaxPayloadSize
		n.Payload.Alert.Body = trimRunes(n.Payload.Alert.Body, (over+3)/4)
		if body, err = n.Payload.MarshalJSON(); err != nil {
			return nil, failure(StatusMissingPayload, n)
		}
	}
	if len(body) > MaxPayloadSize {
		return nil, failure(StatusInvalidPayloadSize, n)
	}

	buf := make([]byte, 0, headerSize+len(body))
	buf = append(buf, CommandNotification)
	buf = binary.BigEndian.AppendUint32(buf, uint32(n.Identifier))
	buf = binary.BigEndian.AppendUint32(buf, uint32(expiry))
	buf = binary.BigEndian.AppendUint16(buf, DeviceTokenBinarySize)
	buf = append(buf, token...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(body)))
	buf = append(buf, body...)
	return buf, nil
}

// trimRunes drops the last k characters of s.
func trimRunes(s string, k int) string {
	count := utf8.RuneCountInString(s)
	if k >= count {
		return ""
	}
	keep := count - k
	i := 0
	for pos := range s {
		if i == keep {
			return s[:pos]
		}
		i++
	}
	return s
}
