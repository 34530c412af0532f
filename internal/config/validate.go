package config

import "fmt"

// Validate checks every section. The first out-of-range field aborts with a
// diagnostic naming the field.
func (c *Config) Validate() error {
	if err := c.Communication.validate(); err != nil {
		return err
	}
	if err := c.Hardware.validate(); err != nil {
		return err
	}
	if err := c.Planning.validate(); err != nil {
		return err
	}
	if err := c.Safety.validate(); err != nil {
		return err
	}
	if err := c.Vehicle.validate(); err != nil {
		return err
	}
	if c.Frame != "ENU" && c.Frame != "NED" {
		return fmt.Errorf("coordinate_frame: must be ENU or NED, got %q", c.Frame)
	}
	return nil
}

func (c *CommunicationConfig) validate() error {
	if c.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("communication.heartbeat_interval_ms: must be positive, got %d", c.HeartbeatIntervalMs)
	}
	if c.HeartbeatTimeoutMs <= c.HeartbeatIntervalMs {
		return fmt.Errorf("communication.heartbeat_timeout_ms: must exceed the heartbeat interval (%d ms), got %d",
			c.HeartbeatIntervalMs, c.HeartbeatTimeoutMs)
	}
	if c.BusURL == "" {
		return fmt.Errorf("communication.bus_url: required")
	}
	return nil
}

func (c *HardwareConfig) validate() error {
	if c.Backend != "sim" && c.Backend != "mavlink" {
		return fmt.Errorf("hardware.backend: must be sim or mavlink, got %q", c.Backend)
	}
	if c.Backend == "mavlink" {
		if c.ConnectionPath == "" {
			return fmt.Errorf("hardware.connection_path: required for the mavlink backend")
		}
		if c.BaudRate <= 0 {
			return fmt.Errorf("hardware.baud_rate: must be positive, got %d", c.BaudRate)
		}
	}
	if c.ControlFrequency < 100 || c.ControlFrequency > 1000 {
		return fmt.Errorf("hardware.control_frequency: must be in [100, 1000] Hz, got %g", c.ControlFrequency)
	}
	if c.PlanningFrequency <= 0 || c.PlanningFrequency > c.ControlFrequency {
		return fmt.Errorf("hardware.planning_frequency: must be positive and below the control rate, got %g", c.PlanningFrequency)
	}
	if c.TelemetryFrequency <= 0 {
		return fmt.Errorf("hardware.telemetry_frequency: must be positive, got %g", c.TelemetryFrequency)
	}
	return nil
}

func (c *PlanningConfig) validate() error {
	if c.PredictionHorizon < 2 {
		return fmt.Errorf("planning.prediction_horizon: must be at least 2, got %d", c.PredictionHorizon)
	}
	if c.Dt <= 0 {
		return fmt.Errorf("planning.dt: must be positive, got %g", c.Dt)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("planning.max_iterations: must be positive, got %d", c.MaxIterations)
	}
	if c.ConvergenceTolerance <= 0 || c.ConvergenceTolerance >= 1 {
		return fmt.Errorf("planning.convergence_tolerance: must be in (0, 1), got %g", c.ConvergenceTolerance)
	}
	if c.ObstacleWeight < 0 {
		return fmt.Errorf("planning.obstacle_weight: must be non-negative, got %g", c.ObstacleWeight)
	}
	if c.UnknownWeightScale < 0 || c.UnknownWeightScale > 1 {
		return fmt.Errorf("planning.unknown_weight_scale: must be in [0, 1], got %g", c.UnknownWeightScale)
	}
	if c.SafetyMargin < 0 {
		return fmt.Errorf("planning.safety_margin: must be non-negative, got %g", c.SafetyMargin)
	}
	if c.BudgetMs <= 0 || c.HardCapMs < c.BudgetMs {
		return fmt.Errorf("planning.hard_cap_ms: must be at least budget_ms (%g), got %g", c.BudgetMs, c.HardCapMs)
	}
	return nil
}

func (c *SafetyConfig) validate() error {
	if c.MaxVelocity <= 0 {
		return fmt.Errorf("safety.max_velocity: must be positive, got %g", c.MaxVelocity)
	}
	if c.MaxAcceleration <= 0 {
		return fmt.Errorf("safety.max_acceleration: must be positive, got %g", c.MaxAcceleration)
	}
	if c.MaxAltitude <= c.MinAltitude {
		return fmt.Errorf("safety.max_altitude: must exceed min_altitude (%g), got %g", c.MinAltitude, c.MaxAltitude)
	}
	if c.EmergencyLandingVelocity <= 0 {
		return fmt.Errorf("safety.emergency_landing_velocity: must be positive, got %g", c.EmergencyLandingVelocity)
	}
	if c.MaxSafetyViolations <= 0 {
		return fmt.Errorf("safety.max_safety_violations: must be positive, got %d", c.MaxSafetyViolations)
	}
	return nil
}

func (c *VehicleConfig) validate() error {
	if c.Mass <= 0 {
		return fmt.Errorf("vehicle.mass: must be positive, got %g", c.Mass)
	}
	if c.Gravity <= 0 {
		return fmt.Errorf("vehicle.gravity: must be positive, got %g", c.Gravity)
	}
	for i := 0; i < 3; i++ {
		if c.Inertia[i*3+i] <= 0 {
			return fmt.Errorf("vehicle.inertia: diagonal element %d must be positive, got %g", i, c.Inertia[i*3+i])
		}
	}
	if c.ArmLength <= 0 {
		return fmt.Errorf("vehicle.arm_length: must be positive, got %g", c.ArmLength)
	}
	if c.NumMotors < 3 {
		return fmt.Errorf("vehicle.num_motors: must be at least 3, got %d", c.NumMotors)
	}
	if len(c.MotorDirections) != c.NumMotors {
		return fmt.Errorf("vehicle.motor_directions: need %d entries, got %d", c.NumMotors, len(c.MotorDirections))
	}
	for i, d := range c.MotorDirections {
		if d != 1 && d != -1 {
			return fmt.Errorf("vehicle.motor_directions[%d]: must be +1 or -1, got %d", i, d)
		}
	}
	if c.ThrustCoefficient <= 0 {
		return fmt.Errorf("vehicle.thrust_coefficient: must be positive, got %g", c.ThrustCoefficient)
	}
	if c.TorqueCoefficient <= 0 {
		return fmt.Errorf("vehicle.torque_coefficient: must be positive, got %g", c.TorqueCoefficient)
	}
	if c.PWMMin <= 0 || c.PWMMax <= c.PWMMin {
		return fmt.Errorf("vehicle.pwm_max: must exceed pwm_min (%d), got %d", c.PWMMin, c.PWMMax)
	}
	if c.PWMIdle < c.PWMMin || c.PWMIdle > c.PWMMax {
		return fmt.Errorf("vehicle.pwm_idle: must be within [pwm_min, pwm_max], got %d", c.PWMIdle)
	}
	if c.PWMScalingFactor <= 0 {
		return fmt.Errorf("vehicle.pwm_scaling_factor: must be positive, got %g", c.PWMScalingFactor)
	}
	if c.MaxMotorThrust <= 0 {
		return fmt.Errorf("vehicle.max_motor_thrust: must be positive, got %g", c.MaxMotorThrust)
	}
	return nil
}
