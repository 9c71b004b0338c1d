package apns

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validToken = "aff0c63d9eaa63ad161bafee732d5bc2c31f66d552054718ff19ce314371e5d0"

func TestNextIdentifier_Wraps(t *testing.T) {
	nextIdentifier.Store(identifierWrapAt - 1)
	defer nextIdentifier.Store(0)

	assert.Equal(t, int32(identifierWrapAt-1), NextIdentifier())
	assert.Equal(t, int32(1), NextIdentifier())
	assert.Equal(t, int32(2), NextIdentifier())
}

func TestToBytes_Layout(t *testing.T) {
	t.Parallel()

	exp := time.Unix(1_900_000_000, 0)
	n := &Notification{Identifier: 42, DeviceToken: validToken, Payload: NewPayload("hi"), Expiration: &exp}
	b, err := n.ToBytes()
	require.NoError(t, err)

	body := []byte(`{"aps":{"alert":"hi"}}`)
	require.Len(t, b, headerSize+len(body))
	assert.Equal(t, byte(CommandNotification), b[0])
	assert.Equal(t, uint32(42), binary.BigEndian.Uint32(b[1:5]))
	assert.Equal(t, uint32(1_900_000_000), binary.BigEndian.Uint32(b[5:9]))
	assert.Equal(t, uint16(32), binary.BigEndian.Uint16(b[9:11]))
	tok, _ := hex.DecodeString(validToken)
	assert.Equal(t, tok, b[11:43])
	assert.Equal(t, uint16(len(body)), binary.BigEndian.Uint16(b[43:45]))
	assert.Equal(t, body, b[45:])

	f, err := ReadFrame(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, int32(42), f.Identifier)
	assert.Equal(t, body, f.Payload)
}

func TestToBytes_Expiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	n := &Notification{DeviceToken: validToken, Payload: NewPayload("x"), DoNotStore: true}
	b, err := n.encode(now)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), int32(binary.BigEndian.Uint32(b[5:9])))

	n = &Notification{DeviceToken: validToken, Payload: NewPayload("x")}
	b, err = n.encode(now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 1, 0).Unix(), int64(binary.BigEndian.Uint32(b[5:9])))
}

func TestToBytes_TokenValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		token string
		want  Status
	}{
		{"empty", "", StatusMissingDeviceToken},
		{"not hex", strings.Repeat("zz", 32), StatusInvalidToken},
		{"short", validToken[:62], StatusInvalidTokenSize},
		{"odd length", validToken[:63], StatusInvalidTokenSize},
		{"long", validToken + "00", StatusInvalidTokenSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			n := &Notification{DeviceToken: tt.token, Payload: NewPayload("x")}
			b, err := n.ToBytes()
			assert.Nil(t, b)
			require.ErrorIs(t, err, ErrNotificationFailure)
			var nf *NotificationFailureError
			require.True(t, errors.As(err, &nf))
			assert.Equal(t, tt.want, nf.Status)
			assert.Same(t, n, nf.Notification)
		})
	}
}

func TestToBytes_ShrinksOversizedAlert(t *testing.T) {
	t.Parallel()

	n := &Notification{DeviceToken: validToken, Payload: NewPayload(strings.Repeat("é", 1500))}
	b, err := n.ToBytes()
	require.NoError(t, err)

	plen := int(binary.BigEndian.Uint16(b[43:45]))
	assert.LessOrEqual(t, plen, MaxPayloadSize)
	assert.Less(t, len([]rune(n.Payload.Alert.Body)), 1500)
	assert.NotEmpty(t, n.Payload.Alert.Body)
}

func TestToBytes_OversizedWithoutBodyFails(t *testing.T) {
	t.Parallel()

	p := &Payload{}
	p.AddCustom("blob", strings.Repeat("a", MaxPayloadSize))
	n := &Notification{DeviceToken: validToken, Payload: p}
	_, err := n.ToBytes()
	var nf *NotificationFailureError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, StatusInvalidPayloadSize, nf.Status)
}

func TestParseErrorFrame(t *testing.T) {
	t.Parallel()

	cmd, status, id := ParseErrorFrame(ErrorFrame(StatusInvalidToken, 1234567))
	assert.Equal(t, uint8(CommandErrorReply), cmd)
	assert.Equal(t, StatusInvalidToken, status)
	assert.Equal(t, int32(1234567), id)
	assert.Equal(t, "invalid token", status.String())
	assert.Equal(t, "undocumented error status code", Status(42).String())
}

func TestReadFrame_Short(t *testing.T) {
	t.Parallel()

	n := &Notification{Identifier: 1, DeviceToken: validToken, Payload: NewPayload("hello")}
	b, err := n.ToBytes()
	require.NoError(t, err)

	_, err = ReadFrame(bytes.NewReader(b[:len(b)-2]))
	assert.ErrorIs(t, err, ErrShortFrame)
}
