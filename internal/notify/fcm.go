// README: Firebase Cloud Messaging gateway.
package notify

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"

	"rideflow/internal/logging"
)

// FCM allows up to 500 tokens per multicast call.
const maxMulticastTokens = 500

type multicastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type FCMGateway struct {
	client multicastSender
	log    logrus.FieldLogger
}

func NewFCMGateway(client *messaging.Client, log logrus.FieldLogger) *FCMGateway {
	return &FCMGateway{client: client, log: logging.OrDiscard(log)}
}

func (g *FCMGateway) Send(ctx context.Context, tokens []string, title, body string, data map[string]string) (Result, error) {
	tokens = compact(tokens)
	var res Result
	for start := 0; start < len(tokens); start += maxMulticastTokens {
		end := start + maxMulticastTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		msg := &messaging.MulticastMessage{
			Tokens: tokens[start:end],
			Data:   data,
			Notification: &messaging.Notification{
				Title: title,
				Body:  body,
			},
			Android: &messaging.AndroidConfig{
				Priority: "high",
			},
		}
		br, err := g.client.SendEachForMulticast(ctx, msg)
		if err != nil {
			res.Failure += end - start
			return res, fmt.Errorf("fcm multicast: %w", err)
		}
		res.Success += br.SuccessCount
		res.Failure += br.FailureCount
	}
	g.log.WithFields(logrus.Fields{
		"title":   title,
		"success": res.Success,
		"failure": res.Failure,
	}).Debug("fcm multicast sent")
	return res, nil
}
