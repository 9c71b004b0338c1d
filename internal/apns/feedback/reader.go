// Package feedback polls the APNs feedback endpoint for device tokens that
// are no longer valid.
package feedback

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"pushgate/internal/apns"
	"pushgate/internal/apns/gateway"
	logx "pushgate/pkg/logx"
)

const (
	recordSize = 4 + 2 + apns.DeviceTokenBinarySize
	maxAge     = 365 * 24 * time.Hour
)

// Func receives one expired token and the time the gateway saw it fail.
type Func func(token string, at time.Time)

// Reader drains the feedback endpoint once per Poll.
type Reader struct {
	dial gateway.Dialer
	utc  bool
	log  logx.Logger
	now  func() time.Time
}

func NewReader(dial gateway.Dialer, timeIsUTC bool, log logx.Logger) *Reader {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reader{dial: dial, utc: timeIsUTC, log: log, now: time.Now}
}

// Poll connects, reads records until the server closes the stream or ctx is
// done, and returns how many tokens were passed to fn. Records older than
// a year or with a bad length field are dropped; a partial trailing record
// is ignored.
func (r *Reader) Poll(ctx context.Context, fn Func) (int, error) {
	if fn == nil {
		fn = func(string, time.Time) {}
	}
	conn, err := r.dial.DialContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("feedback dial %s: %w", r.dial.Addr(), err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	cutoff := r.now().Add(-maxAge)
	var (
		buf       [recordSize]byte
		delivered int
		skipped   int
	)
	for ctx.Err() == nil {
		if _, err := io.ReadFull(conn, buf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || ctx.Err() != nil {
				break
			}
			return delivered, fmt.Errorf("feedback read: %w", err)
		}
		token, at, ok := r.decode(buf)
		if !ok || !at.After(cutoff) {
			skipped++
			continue
		}
		fn(token, at)
		delivered++
	}
	r.log.Debug("feedback poll done", logx.Int("tokens", delivered), logx.Int("skipped", skipped))
	return delivered, ctx.Err()
}

func (r *Reader) decode(b [recordSize]byte) (string, time.Time, bool) {
	ts := int32(binary.BigEndian.Uint32(b[0:4]))
	if binary.BigEndian.Uint16(b[4:6]) != apns.DeviceTokenBinarySize {
		return "", time.Time{}, false
	}
	at := time.Unix(int64(ts), 0).UTC()
	if !r.utc {
		at = at.Local()
	}
	return hex.EncodeToString(b[6:]), at, true
}

// Record encodes one feedback record. Test servers use it.
func Record(token []byte, at time.Time) []byte {
	b := make([]byte, 0, recordSize)
	b = binary.BigEndian.AppendUint32(b, uint32(at.Unix()))
	b = binary.BigEndian.AppendUint16(b, uint16(len(token)))
	return append(b, token...)
}
