package notify

import (
	"context"

	"github.com/sirupsen/logrus"

	"rideflow/internal/logging"
)

// LogGateway writes notifications to the log. Used when Firebase is not configured.
type LogGateway struct {
	log logrus.FieldLogger
}

func NewLogGateway(log logrus.FieldLogger) *LogGateway {
	return &LogGateway{log: logging.OrDiscard(log)}
}

func (g *LogGateway) Send(_ context.Context, tokens []string, title, body string, data map[string]string) (Result, error) {
	tokens = compact(tokens)
	g.log.WithFields(logrus.Fields{
		"tokens": len(tokens),
		"title":  title,
		"body":   body,
		"data":   data,
	}).Info("notification")
	return Result{Success: len(tokens)}, nil
}
