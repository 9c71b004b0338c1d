// Package apns holds the Apple binary-protocol notification model: payload
// JSON, the command-1 frame codec, status codes and error frames.
package apns
