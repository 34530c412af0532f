package app

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dartlabs/dart/internal/config"
	"github.com/dartlabs/dart/internal/link"
	"github.com/dartlabs/dart/internal/planner"
	"github.com/dartlabs/dart/pkg/logging"
)

// Cloud is the off-board tier: it supplies heartbeats and mission goals and
// consumes edge telemetry. Global mission planning beyond a static goal is
// an external collaborator.
type Cloud struct {
	cfg    *config.Config
	logger *logrus.Logger
	bridge *link.Bridge

	goal planner.Goal
}

// NewCloud builds the cloud tier.
func NewCloud(cfg *config.Config, logger *logrus.Logger) *Cloud {
	return &Cloud{
		cfg:    cfg,
		logger: logger,
		bridge: link.NewBridge(link.Config{
			URL:    cfg.Communication.BusURL,
			Token:  cfg.Secrets.BusToken,
			Source: "cloud",
		}, logging.Component(logger, "link")),
		goal: planner.Goal{Position: [3]float64{0, 0, 2}},
	}
}

// SetGoal replaces the mission goal published to the edge.
func (c *Cloud) SetGoal(g planner.Goal) {
	c.goal = g
}

// Run publishes heartbeats at the configured interval and the goal at 1 Hz
// until ctx is done.
func (c *Cloud) Run(ctx context.Context) error {
	if err := c.bridge.Connect(); err != nil {
		return err
	}
	defer c.bridge.Close()

	_ = c.bridge.SubscribeTelemetry(func(msg link.TelemetryMessage) {
		c.logger.WithFields(logrus.Fields{
			"position": msg.Position,
			"safety":   msg.SafetyState,
			"degraded": msg.PlanDegraded,
		}).Info("Edge telemetry")
	})

	interval := time.Duration(c.cfg.Communication.HeartbeatIntervalMs) * time.Millisecond
	go func() { _ = c.bridge.RunHeartbeats(ctx, interval) }()

	goalTicker := time.NewTicker(time.Second)
	defer goalTicker.Stop()

	c.logger.Info("Cloud tier operational")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-goalTicker.C:
			if err := c.bridge.PublishGoal(link.GoalMessage{Goal: c.goal}); err != nil {
				c.logger.WithError(err).Warn("Goal publish failed")
			}
		}
	}
}
