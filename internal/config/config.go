// Package config loads and validates the immutable bootstrap configuration.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration tree. It is read once at bootstrap and
// never mutated afterwards.
type Config struct {
	Communication CommunicationConfig `yaml:"communication"`
	Hardware      HardwareConfig      `yaml:"hardware"`
	Planning      PlanningConfig      `yaml:"planning"`
	Safety        SafetyConfig        `yaml:"safety"`
	Vehicle       VehicleConfig       `yaml:"vehicle"`
	Frame         string              `yaml:"coordinate_frame"` // ENU or NED
	Logging       LoggingConfig       `yaml:"logging"`

	// Secrets resolved from the environment, never from the file.
	Secrets Secrets `yaml:"-"`
}

// CommunicationConfig covers the cloud-edge link.
type CommunicationConfig struct {
	HeartbeatIntervalMs int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int    `yaml:"heartbeat_timeout_ms"`
	BusURL              string `yaml:"bus_url"`
	Encryption          bool   `yaml:"encryption"`
}

// HardwareConfig covers the adapter backend and loop rates.
type HardwareConfig struct {
	Backend            string  `yaml:"backend"` // sim or mavlink
	ConnectionPath     string  `yaml:"connection_path"`
	BaudRate           int     `yaml:"baud_rate"`
	ControlFrequency   float64 `yaml:"control_frequency"`
	PlanningFrequency  float64 `yaml:"planning_frequency"`
	TelemetryFrequency float64 `yaml:"telemetry_frequency"`
	TelemetryPort      int     `yaml:"telemetry_port"`
	MetricsPort        int     `yaml:"metrics_port"`
}

// PlanningConfig parameterizes the trajectory optimizer.
type PlanningConfig struct {
	PredictionHorizon    int     `yaml:"prediction_horizon"`
	Dt                   float64 `yaml:"dt"`
	MaxIterations        int     `yaml:"max_iterations"`
	ConvergenceTolerance float64 `yaml:"convergence_tolerance"`
	PositionWeight       float64 `yaml:"position_weight"`
	VelocityWeight       float64 `yaml:"velocity_weight"`
	EffortWeight         float64 `yaml:"effort_weight"`
	JerkWeight           float64 `yaml:"jerk_weight"`
	YawWeight            float64 `yaml:"yaw_weight"`
	ObstacleWeight       float64 `yaml:"obstacle_weight"`
	UnknownWeightScale   float64 `yaml:"unknown_weight_scale"`
	SafetyMargin         float64 `yaml:"safety_margin"`
	BudgetMs             float64 `yaml:"budget_ms"`
	HardCapMs            float64 `yaml:"hard_cap_ms"`
}

// SafetyConfig parameterizes the watchdog limits.
type SafetyConfig struct {
	MaxVelocity              float64 `yaml:"max_velocity"`
	MaxAcceleration          float64 `yaml:"max_acceleration"`
	MaxAltitude              float64 `yaml:"max_altitude"`
	MinAltitude              float64 `yaml:"min_altitude"`
	EmergencyLandingVelocity float64 `yaml:"emergency_landing_velocity"`
	MaxSafetyViolations      int     `yaml:"max_safety_violations"`
}

// VehicleConfig describes the airframe.
type VehicleConfig struct {
	Mass              float64    `yaml:"mass"`
	Gravity           float64    `yaml:"gravity"`
	Inertia           [9]float64 `yaml:"inertia"` // row-major 3x3
	ArmLength         float64    `yaml:"arm_length"`
	NumMotors         int        `yaml:"num_motors"`
	MotorDirections   []int      `yaml:"motor_directions"` // +1 CCW, -1 CW
	ThrustCoefficient float64    `yaml:"thrust_coefficient"`
	TorqueCoefficient float64    `yaml:"torque_coefficient"`
	PWMIdle           int        `yaml:"pwm_idle"`
	PWMMin            int        `yaml:"pwm_min"`
	PWMMax            int        `yaml:"pwm_max"`
	PWMScalingFactor  float64    `yaml:"pwm_scaling_factor"`
	MaxMotorThrust    float64    `yaml:"max_motor_thrust"`
	MaxTiltTorque     float64    `yaml:"max_tilt_torque"`
	MaxYawTorque      float64    `yaml:"max_yaw_torque"`
}

// LoggingConfig covers the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
}

// Secrets holds environment-sourced credentials.
type Secrets struct {
	BusToken string
}

// Default returns the configuration used when a field is absent from the
// loaded document.
func Default() Config {
	return Config{
		Communication: CommunicationConfig{
			HeartbeatIntervalMs: 100,
			HeartbeatTimeoutMs:  500,
			BusURL:              "nats://127.0.0.1:4222",
		},
		Hardware: HardwareConfig{
			Backend:            "sim",
			ConnectionPath:     "/dev/ttyACM0",
			BaudRate:           921600,
			ControlFrequency:   400,
			PlanningFrequency:  10,
			TelemetryFrequency: 10,
			TelemetryPort:      8093,
			MetricsPort:        9093,
		},
		Planning: PlanningConfig{
			PredictionHorizon:    8,
			Dt:                   0.1,
			MaxIterations:        15,
			ConvergenceTolerance: 0.05,
			PositionWeight:       100,
			VelocityWeight:       10,
			EffortWeight:         1,
			JerkWeight:           0.1,
			YawWeight:            1,
			ObstacleWeight:       1000,
			UnknownWeightScale:   0.5,
			SafetyMargin:         1.0,
			BudgetMs:             50,
			HardCapMs:            80,
		},
		Safety: SafetyConfig{
			MaxVelocity:              15,
			MaxAcceleration:          10,
			MaxAltitude:              120,
			MinAltitude:              -1,
			EmergencyLandingVelocity: 1.0,
			MaxSafetyViolations:      10,
		},
		Vehicle: VehicleConfig{
			Mass:    1.5,
			Gravity: 9.81,
			Inertia: [9]float64{
				0.02, 0, 0,
				0, 0.02, 0,
				0, 0, 0.04,
			},
			ArmLength:         0.25,
			NumMotors:         4,
			MotorDirections:   []int{1, -1, 1, -1},
			ThrustCoefficient: 1.0,
			TorqueCoefficient: 0.016,
			PWMIdle:           1100,
			PWMMin:            1000,
			PWMMax:            2000,
			PWMScalingFactor:  300,
			MaxMotorThrust:    8.0,
			MaxTiltTorque:     2.0,
			MaxYawTorque:      0.5,
		},
		Frame: "ENU",
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
	}
}

// Load reads, merges over defaults, resolves secrets and validates.
func Load(path string) (*Config, error) {
	// Local .env files are a development convenience; absence is fine.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolveSecrets() error {
	c.Secrets.BusToken = os.Getenv("DART_BUS_TOKEN")
	if c.Communication.Encryption && c.Secrets.BusToken == "" {
		return fmt.Errorf("communication.encryption is enabled but DART_BUS_TOKEN is not set")
	}
	return nil
}

// Show renders the resolved configuration as YAML, secrets excluded.
func (c *Config) Show() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
