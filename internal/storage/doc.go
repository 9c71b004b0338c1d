// Package storage persists what the push service learns about devices.
//
// It records:
//   - Expired and changed device tokens (feedback and send path)
//   - A delivery log of sent and failed notifications
//
// Drivers: "file" (jsonl), "sqlite" (modernc), "redis" (go-redis), "none".
package storage
