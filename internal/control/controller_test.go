package control

import (
	"io"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dartlabs/dart/internal/config"
	"github.com/dartlabs/dart/internal/state"
	"github.com/dartlabs/dart/internal/vehicle"
)

func testController(t *testing.T) (*Controller, *vehicle.Params) {
	t.Helper()
	params, err := vehicle.FromConfig(config.Default().Vehicle)
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(params, StandardProfile(), 1.0, logger.WithField("component", "control")), params
}

func hoverState(pos [3]float64) state.DroneState {
	return state.NewDroneState(0, pos, [3]float64{}, [3]float64{}, [3]float64{})
}

func TestCompute_HoverThrustMatchesWeight(t *testing.T) {
	c, params := testController(t)

	ref := state.TrajectorySample{Position: [3]float64{0, 0, 1}}
	cmd, err := c.Compute(hoverState([3]float64{0, 0, 1}), ref, 0.0025)
	require.NoError(t, err)

	assert.InDelta(t, params.HoverThrust(), cmd.Thrust, params.HoverThrust()*0.01)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, 0, cmd.Torque[i], 1e-6)
	}
}

func TestCompute_FiniteInputsGiveFiniteNonNegativeThrust(t *testing.T) {
	c, _ := testController(t)

	states := []state.DroneState{
		hoverState([3]float64{0, 0, 1}),
		state.NewDroneState(0, [3]float64{5, -3, 10}, [3]float64{4, 0, -2}, [3]float64{0.2, -0.1, 1.0}, [3]float64{0.5, 0.5, -0.2}),
		state.NewDroneState(0, [3]float64{-100, 100, 0}, [3]float64{-10, 10, 5}, [3]float64{1.0, 1.2, -3.0}, [3]float64{2, -2, 1}),
	}
	refs := []state.TrajectorySample{
		{},
		{Position: [3]float64{1, 1, 1}, Velocity: [3]float64{1, 0, 0}, Acceleration: [3]float64{0, 1, 0}, Yaw: 1.5, YawRate: 0.1},
	}

	for _, cur := range states {
		for _, ref := range refs {
			cmd, err := c.Compute(cur, ref, 0.0025)
			require.NoError(t, err)
			assert.False(t, math.IsNaN(cmd.Thrust) || math.IsInf(cmd.Thrust, 0))
			assert.GreaterOrEqual(t, cmd.Thrust, 0.0)
		}
	}
}

func TestCompute_NearZeroForceReusesLastAxis(t *testing.T) {
	c, params := testController(t)

	// A reference acceleration cancelling gravity drives |F_des| to zero.
	ref := state.TrajectorySample{
		Position:     [3]float64{0, 0, 1},
		Acceleration: [3]float64{0, 0, -params.Gravity},
	}
	cmd, err := c.Compute(hoverState([3]float64{0, 0, 1}), ref, 0.0025)
	require.NoError(t, err)

	assert.False(t, math.IsNaN(cmd.Thrust))
	for i := 0; i < 3; i++ {
		assert.False(t, math.IsNaN(cmd.Torque[i]), "torque axis %d", i)
	}
}

func TestCompute_NonFiniteInputEmitsHoverAndFault(t *testing.T) {
	c, params := testController(t)

	cur := hoverState([3]float64{0, 0, 1})
	cur.Position[0] = math.NaN()

	cmd, err := c.Compute(cur, state.TrajectorySample{}, 0.0025)
	assert.ErrorIs(t, err, ErrControllerFault)
	assert.InDelta(t, params.HoverThrust(), cmd.Thrust, 1e-9)
	assert.Equal(t, [3]float64{}, cmd.Torque)
	assert.Equal(t, uint64(1), c.Faults())
}

func TestCompute_ThrustClampedToCeiling(t *testing.T) {
	c, params := testController(t)

	// Enormous position error saturates the thrust request.
	ref := state.TrajectorySample{Position: [3]float64{0, 0, 1000}}
	cmd, err := c.Compute(hoverState([3]float64{0, 0, 0}), ref, 0.0025)
	require.NoError(t, err)

	assert.LessOrEqual(t, cmd.Thrust, params.MaxThrust())
}

func TestCompute_TorqueLimitsRespected(t *testing.T) {
	c, params := testController(t)

	cur := state.NewDroneState(0, [3]float64{}, [3]float64{}, [3]float64{1.5, -1.2, 2.0}, [3]float64{5, -5, 5})
	cmd, err := c.Compute(cur, state.TrajectorySample{Position: [3]float64{10, -10, 5}}, 0.0025)
	require.NoError(t, err)

	assert.LessOrEqual(t, math.Abs(cmd.Torque[0]), params.MaxTiltTorque)
	assert.LessOrEqual(t, math.Abs(cmd.Torque[1]), params.MaxTiltTorque)
	assert.LessOrEqual(t, math.Abs(cmd.Torque[2]), params.MaxYawTorque)
}

func TestSetMode_ResetsIntegral(t *testing.T) {
	c, _ := testController(t)

	// Accumulate wind-up against a persistent offset.
	ref := state.TrajectorySample{Position: [3]float64{1, 0, 1}}
	for i := 0; i < 100; i++ {
		_, err := c.Compute(hoverState([3]float64{0, 0, 1}), ref, 0.01)
		require.NoError(t, err)
	}
	assert.NotEqual(t, vec3{}, c.integral)

	c.SetMode(ModeHold)
	assert.Equal(t, vec3{}, c.integral)
	assert.Equal(t, ModeHold, c.Mode())
}

func TestEmergencyLand_DescendsAtConfiguredVelocity(t *testing.T) {
	c, params := testController(t)
	c.SetMode(ModeEmergencyLand)

	// Descending at exactly the configured velocity needs no vertical
	// correction beyond weight.
	cur := state.NewDroneState(0, [3]float64{3, 4, 10}, [3]float64{0, 0, -1.0}, [3]float64{}, [3]float64{})
	cmd, err := c.Compute(cur, state.TrajectorySample{}, 0.0025)
	require.NoError(t, err)
	assert.InDelta(t, params.HoverThrust(), cmd.Thrust, params.HoverThrust()*0.05)

	// Descending too slowly must command less lift than weight.
	cur.Velocity[2] = 0
	cmd, err = c.Compute(cur, state.TrajectorySample{}, 0.0025)
	require.NoError(t, err)
	assert.Less(t, cmd.Thrust, params.HoverThrust())
}

func TestIntegralClampedPerAxis(t *testing.T) {
	c, _ := testController(t)
	profile := c.profile.Load()

	ref := state.TrajectorySample{Position: [3]float64{100, 0, 1}}
	for i := 0; i < 10000; i++ {
		_, err := c.Compute(hoverState([3]float64{0, 0, 1}), ref, 0.01)
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		assert.LessOrEqual(t, math.Abs(c.integral[i]), profile.IntegralLimit[i]+1e-9)
	}
}

func TestSwapProfileTakesEffectNextCycle(t *testing.T) {
	c, _ := testController(t)

	c.SwapProfile(ConservativeProfile())
	assert.Equal(t, "conservative", c.profile.Load().Name)
}
