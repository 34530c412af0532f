// Package link provides the cloud-edge transport: heartbeats, goals and
// reference trajectories over the message bus, and the binary actuator wire
// format.
package link

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/dartlabs/dart/internal/planner"
	"github.com/dartlabs/dart/internal/state"
)

// Bus subjects.
const (
	SubjectHeartbeat  = "dart.cloud.heartbeat"
	SubjectGoal       = "dart.cloud.goal"
	SubjectPlan       = "dart.cloud.plan"
	SubjectTelemetry  = "dart.edge.telemetry"
	SubjectSafetyNews = "dart.edge.safety"
)

// Heartbeat is the liveness envelope. Sequence numbers are monotonic per
// source.
type Heartbeat struct {
	ID       string    `json:"id"`
	Source   string    `json:"source"`
	Sequence uint64    `json:"sequence"`
	SentAt   time.Time `json:"sentAt"`
}

// GoalMessage carries the mission target for the onboard planner.
type GoalMessage struct {
	Goal      planner.Goal `json:"goal"`
	Obstacles []planner.Obstacle `json:"obstacles,omitempty"`
	SentAt    time.Time    `json:"sentAt"`
}

// PlanMessage carries a full reference trajectory from the cloud tier. The
// edge rejects a plan whose id does not exceed the previous.
type PlanMessage struct {
	PlanID  uint64                   `json:"planId"`
	Start   float64                  `json:"start"`
	Dt      float64                  `json:"dt"`
	Samples []state.TrajectorySample `json:"samples"`
	SentAt  time.Time                `json:"sentAt"`
}

// TelemetryMessage is the edge's periodic status event.
type TelemetryMessage struct {
	Position     [3]float64 `json:"position"`
	Velocity     [3]float64 `json:"velocity"`
	Attitude     [3]float64 `json:"attitude"`
	SafetyState  string     `json:"safetyState"`
	PlanDegraded bool       `json:"planDegraded"`
	SentAt       time.Time  `json:"sentAt"`
}

// Config holds bus connection parameters.
type Config struct {
	URL    string
	Token  string
	Source string
}

// Bridge is the NATS-backed transport endpoint shared by both tiers.
type Bridge struct {
	mu sync.Mutex

	config Config
	logger *logrus.Entry
	conn   *nats.Conn

	sequence   uint64
	lastPlanID uint64
	lastSeq    map[string]uint64

	published uint64
	rejected  uint64
}

// NewBridge creates a disconnected bridge.
func NewBridge(config Config, logger *logrus.Entry) *Bridge {
	return &Bridge{
		config:  config,
		logger:  logger,
		lastSeq: make(map[string]uint64),
	}
}

// Connect dials the bus with reconnect enabled.
func (b *Bridge) Connect() error {
	opts := []nats.Option{
		nats.Name("dart-" + b.config.Source),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	if b.config.Token != "" {
		opts = append(opts, nats.Token(b.config.Token))
	}

	conn, err := nats.Connect(b.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("link: connect %s: %w", b.config.URL, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	b.logger.WithField("url", b.config.URL).Info("Bus connected")
	return nil
}

// Close drains and closes the connection.
func (b *Bridge) Close() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn != nil {
		_ = conn.Drain()
	}
}

// PublishHeartbeat emits one heartbeat with the next sequence number.
func (b *Bridge) PublishHeartbeat() error {
	b.mu.Lock()
	b.sequence++
	hb := Heartbeat{
		ID:       uuid.NewString(),
		Source:   b.config.Source,
		Sequence: b.sequence,
		SentAt:   time.Now(),
	}
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("link: bus not connected")
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	if err := conn.Publish(SubjectHeartbeat, data); err != nil {
		return err
	}
	b.mu.Lock()
	b.published++
	b.mu.Unlock()
	return nil
}

// RunHeartbeats publishes at the given interval until ctx is done.
func (b *Bridge) RunHeartbeats(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.PublishHeartbeat(); err != nil {
				b.logger.WithError(err).Warn("Heartbeat publish failed")
			}
		}
	}
}

// SubscribeHeartbeats delivers validated heartbeats. Stale or replayed
// sequence numbers are dropped.
func (b *Bridge) SubscribeHeartbeats(handler func(Heartbeat)) error {
	return b.subscribe(SubjectHeartbeat, func(data []byte) {
		var hb Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			b.logger.WithError(err).Warn("Malformed heartbeat dropped")
			return
		}
		b.mu.Lock()
		if last, ok := b.lastSeq[hb.Source]; ok && hb.Sequence <= last {
			b.rejected++
			b.mu.Unlock()
			return
		}
		b.lastSeq[hb.Source] = hb.Sequence
		b.mu.Unlock()
		handler(hb)
	})
}

// PublishGoal sends a mission goal to the edge tier.
func (b *Bridge) PublishGoal(msg GoalMessage) error {
	msg.SentAt = time.Now()
	return b.publishJSON(SubjectGoal, msg)
}

// SubscribeGoals delivers mission goals.
func (b *Bridge) SubscribeGoals(handler func(GoalMessage)) error {
	return b.subscribe(SubjectGoal, func(data []byte) {
		var msg GoalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.WithError(err).Warn("Malformed goal dropped")
			return
		}
		handler(msg)
	})
}

// PublishPlan sends a cloud-computed reference trajectory.
func (b *Bridge) PublishPlan(msg PlanMessage) error {
	msg.SentAt = time.Now()
	return b.publishJSON(SubjectPlan, msg)
}

// SubscribePlans delivers reference trajectories, enforcing monotonic plan
// ids.
func (b *Bridge) SubscribePlans(handler func(*state.Trajectory)) error {
	return b.subscribe(SubjectPlan, func(data []byte) {
		var msg PlanMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.WithError(err).Warn("Malformed plan dropped")
			return
		}

		b.mu.Lock()
		if msg.PlanID <= b.lastPlanID {
			b.rejected++
			b.mu.Unlock()
			b.logger.WithFields(logrus.Fields{
				"planId": msg.PlanID,
				"last":   b.lastPlanID,
			}).Warn("Non-monotonic plan rejected")
			return
		}
		b.lastPlanID = msg.PlanID
		b.mu.Unlock()

		handler(&state.Trajectory{
			PlanID:  msg.PlanID,
			Start:   msg.Start,
			Dt:      msg.Dt,
			Samples: msg.Samples,
		})
	})
}

// PublishTelemetry sends the edge status event.
func (b *Bridge) PublishTelemetry(msg TelemetryMessage) error {
	msg.SentAt = time.Now()
	return b.publishJSON(SubjectTelemetry, msg)
}

// SubscribeTelemetry delivers edge status events.
func (b *Bridge) SubscribeTelemetry(handler func(TelemetryMessage)) error {
	return b.subscribe(SubjectTelemetry, func(data []byte) {
		var msg TelemetryMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		handler(msg)
	})
}

// Rejected returns how many stale plans and heartbeats were dropped.
func (b *Bridge) Rejected() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

func (b *Bridge) publishJSON(subject string, v any) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("link: bus not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		return err
	}
	b.mu.Lock()
	b.published++
	b.mu.Unlock()
	return nil
}

func (b *Bridge) subscribe(subject string, handler func([]byte)) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("link: bus not connected")
	}
	_, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	return err
}
