// Package logging builds the process-wide zap logger.
package logging

import "go.uber.org/zap"

// New returns a production JSON logger for env "production", a development
// console logger otherwise.
func New(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
