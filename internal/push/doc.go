// Package push holds the transport-agnostic pieces shared by the engine and
// gateway implementations: the Notification contract, send results, channel
// interfaces, observer fan-out and the error taxonomy.
package push
