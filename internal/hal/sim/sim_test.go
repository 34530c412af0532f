package sim

import (
	"context"
	"io"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dartlabs/dart/internal/config"
	"github.com/dartlabs/dart/internal/control"
	"github.com/dartlabs/dart/internal/hal"
	"github.com/dartlabs/dart/internal/mixer"
	"github.com/dartlabs/dart/internal/state"
	"github.com/dartlabs/dart/internal/vehicle"
)

func testRig(t *testing.T) (*Adapter, *mixer.Mixer, *vehicle.Params) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	entry := logger.WithField("component", "test")

	params, err := vehicle.FromConfig(config.Default().Vehicle)
	require.NoError(t, err)
	mix, err := mixer.New(params, entry)
	require.NoError(t, err)

	adapter := New(params, mix, entry)
	require.NoError(t, adapter.Connect(context.Background()))
	return adapter, mix, params
}

func TestCapabilities(t *testing.T) {
	adapter, _, _ := testRig(t)

	caps := adapter.Capabilities()
	assert.True(t, caps.Simulated)
	assert.True(t, caps.Supports(hal.CommandMotorOutput))
	assert.True(t, caps.Supports(hal.CommandEmergencyStop))
	assert.True(t, caps.Supports(hal.CommandStateQuery))
}

func TestSendCommand_RequiresConnection(t *testing.T) {
	adapter, _, _ := testRig(t)
	require.NoError(t, adapter.Disconnect())

	err := adapter.SendCommand(state.MotorCommand{PWM: []uint16{1100, 1100, 1100, 1100}})
	assert.ErrorIs(t, err, hal.ErrNotConnected)
}

func TestEmergencyStop_Idempotent(t *testing.T) {
	adapter, _, params := testRig(t)

	require.NoError(t, adapter.SendCommand(state.MotorCommand{PWM: []uint16{1500, 1500, 1500, 1500}}))
	require.NoError(t, adapter.EmergencyStop())

	first := make([]uint16, params.NumMotors)
	copy(first, adapter.pwm)

	require.NoError(t, adapter.EmergencyStop())
	assert.Equal(t, first, adapter.pwm, "second stop must leave the same motor state")

	for _, pwm := range adapter.pwm {
		assert.Equal(t, params.PWMMin, pwm)
	}

	// Commands after a stop are ignored.
	require.NoError(t, adapter.SendCommand(state.MotorCommand{PWM: []uint16{1800, 1800, 1800, 1800}}))
	assert.Equal(t, first, adapter.pwm)
}

func TestStep_Deterministic(t *testing.T) {
	a1, _, _ := testRig(t)
	a2, _, _ := testRig(t)

	cmd := state.MotorCommand{PWM: []uint16{1600, 1600, 1600, 1600}}
	require.NoError(t, a1.SendCommand(cmd))
	require.NoError(t, a2.SendCommand(cmd))

	for i := 0; i < 500; i++ {
		a1.Step(0.001)
		a2.Step(0.001)
	}

	s1, err := a1.GetState()
	require.NoError(t, err)
	s2, err := a2.GetState()
	require.NoError(t, err)
	assert.Equal(t, s1.State, s2.State)
}

func TestStep_FallsUnderGravityAtIdle(t *testing.T) {
	adapter, _, _ := testRig(t)
	adapter.SetPose([3]float64{0, 0, 10}, [3]float64{})

	for i := 0; i < 100; i++ {
		adapter.Step(0.001)
	}

	est, err := adapter.GetState()
	require.NoError(t, err)
	assert.Less(t, est.State.Position[2], 10.0)
	assert.Less(t, est.State.Velocity[2], 0.0)
}

// closedLoop steps controller, mixer and simulation together at the control
// rate.
func closedLoop(t *testing.T, adapter *Adapter, mix *mixer.Mixer, ctrl *control.Controller,
	ref state.TrajectorySample, seconds float64, observe func(state.DroneState, state.ControlCommand)) {
	t.Helper()

	const rate = 400.0
	dt := 1.0 / rate
	steps := int(seconds * rate)

	for i := 0; i < steps; i++ {
		est, err := adapter.GetState()
		require.NoError(t, err)

		cmd, err := ctrl.Compute(est.State, ref, dt)
		require.NoError(t, err)

		motor, err := mix.Mix(cmd)
		if err == nil {
			require.NoError(t, adapter.SendCommand(motor))
		}
		adapter.Step(dt)

		if observe != nil {
			observe(est.State, cmd)
		}
	}
}

func TestClosedLoop_HoverStability(t *testing.T) {
	adapter, mix, params := testRig(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	ctrl := control.New(params, control.StandardProfile(), 1.0, logger.WithField("component", "control"))

	adapter.SetPose([3]float64{0, 0, 1}, [3]float64{})
	ref := state.TrajectorySample{Position: [3]float64{0, 0, 1}}

	// Settle motor spin-up transients first; the hover bound applies to
	// steady-state operation.
	closedLoop(t, adapter, mix, ctrl, ref, 2.0, nil)

	maxErr := 0.0
	var thrustSum float64
	var n int
	closedLoop(t, adapter, mix, ctrl, ref, 1.0, func(s state.DroneState, cmd state.ControlCommand) {
		err := math.Sqrt(s.Position[0]*s.Position[0] +
			s.Position[1]*s.Position[1] +
			(s.Position[2]-1)*(s.Position[2]-1))
		if err > maxErr {
			maxErr = err
		}
		thrustSum += cmd.Thrust
		n++
	})

	assert.LessOrEqual(t, maxErr, 0.01, "hover position error")

	hover := params.HoverThrust()
	assert.InDelta(t, hover, thrustSum/float64(n), hover*0.01, "mean thrust near weight")
}

func TestClosedLoop_StepResponse(t *testing.T) {
	adapter, mix, params := testRig(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	ctrl := control.New(params, control.StandardProfile(), 1.0, logger.WithField("component", "control"))

	adapter.SetPose([3]float64{0, 0, 1}, [3]float64{})

	// Settle at the initial reference, then step x from 0 to 5.
	closedLoop(t, adapter, mix, ctrl, state.TrajectorySample{Position: [3]float64{0, 0, 1}}, 1.0, nil)

	maxX := 0.0
	maxYaw := 0.0
	var finalX float64
	closedLoop(t, adapter, mix, ctrl, state.TrajectorySample{Position: [3]float64{5, 0, 1}}, 3.0,
		func(s state.DroneState, cmd state.ControlCommand) {
			if s.Position[0] > maxX {
				maxX = s.Position[0]
			}
			if y := math.Abs(s.Attitude[2]); y > maxYaw {
				maxYaw = y
			}
			finalX = s.Position[0]
		})

	assert.LessOrEqual(t, maxX, 5.5, "overshoot within 10%")
	assert.InDelta(t, 5.0, finalX, 0.3, "settled near the target within 3s")
	assert.LessOrEqual(t, maxYaw, 0.05, "yaw held through the translation")
}
