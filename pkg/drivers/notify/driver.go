// Package notify implements the notification tool driver. It services
// notification.send events by posting to Slack; delivery failures come
// back as notification.send.failed events.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/ambientos/ambient/pkg/driver"
	"github.com/ambientos/ambient/pkg/event"
)

// DriverID identifies this driver in the registry.
const DriverID = "notify-slack"

const postTimeout = 15 * time.Second

// Poster is the subset of the slack-go API used by the driver.
// Satisfied by *goslack.Client; tests pass a mock.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...goslack.MsgOption) (string, string, error)
}

// Driver posts notifications to a Slack channel.
type Driver struct {
	api     Poster
	channel string
	logger  *slog.Logger
}

// Descriptor returns the registry descriptor. Config keys: token
// (required unless a client is injected), channel (required).
func Descriptor() driver.Descriptor {
	return driver.Descriptor{
		Manifest: driver.Manifest{
			ID:           DriverID,
			Name:         "Slack Notifier",
			Version:      "1.0.0",
			Type:         driver.TypeTool,
			Capabilities: []string{event.TypeNotificationSend},
			Resources: driver.Resources{
				MemoryMB:       64,
				TimeoutSeconds: 30,
				MaxConcurrent:  8,
			},
		},
		New: func(config map[string]any) (driver.Driver, error) {
			return NewFromConfig(config)
		},
	}
}

// NewFromConfig builds the driver from registry config.
func NewFromConfig(config map[string]any) (*Driver, error) {
	token, _ := config["token"].(string)
	if token == "" {
		return nil, errors.New("notify driver requires token")
	}
	channel, _ := config["channel"].(string)
	if channel == "" {
		return nil, errors.New("notify driver requires channel")
	}
	return New(goslack.New(token), channel), nil
}

// New builds the driver around an injected Slack API client.
func New(api Poster, channel string) *Driver {
	return &Driver{
		api:     api,
		channel: channel,
		logger:  slog.Default().With("component", "notify-driver"),
	}
}

func (d *Driver) Initialize(ctx context.Context) error {
	d.logger.Info("Notify driver initialized", "channel", d.channel)
	return nil
}

func (d *Driver) Shutdown(ctx context.Context) error { return nil }

// HandleEvent posts one notification. Send failures are reported as
// notification.send.failed events so transient Slack outages do not move
// the instance into the error state.
func (d *Driver) HandleEvent(ctx context.Context, e *event.Event) ([]*event.Event, error) {
	title, _ := e.Metadata["title"].(string)
	message, _ := e.Metadata["message"].(string)
	if title == "" && message == "" {
		return nil, fmt.Errorf("notification.send requires title or message")
	}
	priority, _ := e.Metadata["priority"].(string)

	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	_, _, err := d.api.PostMessageContext(ctx, d.channel,
		goslack.MsgOptionBlocks(buildBlocks(title, message, priority)...))
	if err != nil {
		d.logger.Warn("Notification delivery failed",
			"event_id", e.ID, "channel", d.channel, "error", err)
		failed := event.New(DriverID, event.TypeNotificationFailed, e.UserID,
			event.CategorySystem, map[string]any{
				"error":   err.Error(),
				"title":   title,
				"channel": d.channel,
			})
		failed.CorrelationID = e.ID
		return []*event.Event{failed}, nil
	}

	d.logger.Info("Notification delivered", "event_id", e.ID, "channel", d.channel)
	return nil, nil
}

// buildBlocks renders the notification as Slack blocks: a header when a
// title is present, the message body, and a priority context line for
// anything above normal.
func buildBlocks(title, message, priority string) []goslack.Block {
	var blocks []goslack.Block
	if title != "" {
		blocks = append(blocks, goslack.NewHeaderBlock(
			goslack.NewTextBlockObject(goslack.PlainTextType, title, false, false)))
	}
	if message != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, message, false, false), nil, nil))
	}
	if priority != "" && priority != "normal" {
		blocks = append(blocks, goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType, "priority: "+priority, false, false)))
	}
	return blocks
}
