package main

import (
	"context"
	"fmt"
	"log/slog"
)

// caller is the part of the client the hello service needs
type caller interface {
	Call(ctx context.Context, routingKey string, payload []byte) ([]byte, error)
}

// helloService is the example service bound by the run command
type helloService struct {
	client caller
	logger *slog.Logger
}

// Greeting logs the body of every matching message
func (s *helloService) Greeting(ctx context.Context, body []byte) error {
	s.logger.Info("greeting called", "body", string(body))
	return nil
}

// GreetingWithWait forwards the body to the http command and waits for its answer
func (s *helloService) GreetingWithWait(ctx context.Context, body []byte) error {
	s.logger.Info("greeting with wait called", "body", string(body))

	response, err := s.client.Call(ctx, "command.http.post", body)
	if err != nil {
		return fmt.Errorf("greeting with wait: %w", err)
	}

	s.logger.Info("response received", "response", string(response))
	return nil
}
