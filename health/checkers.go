package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/pipeforce-go/messaging"
)

// DefaultBacklogThreshold is the queue depth above which a queue is degraded
const DefaultBacklogThreshold = 10000

// QueueChecker checks that a queue exists on the broker
type QueueChecker struct {
	queueName string
	inspector messaging.QueueInspector
	backlog   int
}

// NewQueueChecker creates a queue checker. A backlog of zero or less uses
// DefaultBacklogThreshold.
func NewQueueChecker(queueName string, inspector messaging.QueueInspector, backlog int) *QueueChecker {
	if backlog <= 0 {
		backlog = DefaultBacklogThreshold
	}
	return &QueueChecker{
		queueName: queueName,
		inspector: inspector,
		backlog:   backlog,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	state, err := c.inspector.InspectQueue(ctx, c.queueName)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queueName)
		result.Error = err.Error()
		return result
	}

	result.Details["message_count"] = state.Messages
	result.Details["consumer_count"] = state.Consumers

	if state.Messages > c.backlog {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queueName)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queueName)
	return result
}

// TokenSource is implemented by the hub client
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// HubChecker checks that an access token can be obtained from the hub
type HubChecker struct {
	tokens TokenSource
}

// NewHubChecker creates a hub checker
func NewHubChecker(tokens TokenSource) *HubChecker {
	return &HubChecker{tokens: tokens}
}

func (c *HubChecker) Name() string {
	return "hub"
}

func (c *HubChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start}

	_, err := c.tokens.AccessToken(ctx)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to obtain access token"
		result.Error = err.Error()
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Access token available"
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.checker(ctx)

	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
		if status == "" || status == StatusHealthy {
			result.Status = StatusUnhealthy
		}
	}
	return result
}
