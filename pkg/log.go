package rudp

import "go.uber.org/zap"

// Package-level logger. Drivers install a real logger via SetLogger;
// library consumers and tests run against the nop default.
var log = zap.NewNop().Sugar()

// SetLogger replaces the package logger.
func SetLogger(l *zap.SugaredLogger) {
	if l != nil {
		log = l
	}
}
