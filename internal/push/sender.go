package push

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCMClient wraps the Firebase Admin messaging client behind the Transport
// interface. Constructed once at process startup and injected; there is no
// package-level singleton.
type FCMClient struct {
	client *messaging.Client
}

// NewFCMClient initializes the Firebase app from a service-account
// credentials file. Returns nil (push disabled) when the path is empty.
func NewFCMClient(ctx context.Context, credentialsFile string) (*FCMClient, error) {
	if credentialsFile == "" {
		return nil, nil
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init messaging client: %w", err)
	}
	return &FCMClient{client: client}, nil
}

func (c *FCMClient) SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	return c.client.SendEachForMulticast(ctx, msg)
}

func (c *FCMClient) Send(ctx context.Context, msg *messaging.Message) (string, error) {
	return c.client.Send(ctx, msg)
}
