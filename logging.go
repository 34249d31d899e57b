package tempest

import "go.uber.org/zap"

// log is the package-level structured logger, replaced via SetLogger.
// Defaults to a no-op logger so a caller that never configures logging
// doesn't pay for it or crash on a nil pointer (grounded on the
// *zap.SugaredLogger threaded through connection handling in
// kotx-tailscale's session-recording ws-conn.go).
var log *zap.SugaredLogger = zap.NewNop().Sugar()

// SetLogger installs l as the package-wide logger. Pass a
// *zap.Logger built with the caller's desired encoder/level/output; call
// Sugar() is applied internally.
func SetLogger(l *zap.Logger) {
	log = l.Sugar()
}
