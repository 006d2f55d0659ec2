package utils

import "go.uber.org/zap"

// NewLogger returns a zap logger tagged with the kioku service name. Debug
// uses the development config (console, debug level); otherwise the
// production config (JSON, info level).
func NewLogger(debug bool) (*zap.Logger, error) {
	service := zap.Fields(zap.String("service", "kioku"))
	if debug {
		return zap.NewDevelopment(service)
	}
	return zap.NewProduction(service)
}
