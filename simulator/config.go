package simulator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/devskill-org/aer/forecast"
	"github.com/devskill-org/aer/mpc"
	"github.com/devskill-org/aer/signal"
	"github.com/devskill-org/aer/thermal"
)

// StepLimit caps the number of simulated timesteps. Zero means the whole
// series; in JSON it is either a number or "all".
type StepLimit int

// MarshalJSON writes "all" for an unlimited run
func (s StepLimit) MarshalJSON() ([]byte, error) {
	if s <= 0 {
		return []byte(`"all"`), nil
	}
	return json.Marshal(int(s))
}

// UnmarshalJSON accepts a number or the string "all"
func (s *StepLimit) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		if strings.EqualFold(str, "all") {
			*s = 0
			return nil
		}
		return fmt.Errorf("invalid num_timesteps %q, must be a number or \"all\"", str)
	}

	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid num_timesteps: %w", err)
	}
	*s = StepLimit(n)
	return nil
}

// Config represents the configuration for the simulation runner
type Config struct {
	// Horizon settings
	Timestep  time.Duration `json:"timestep"`  // Length of one simulated step
	Lookahead time.Duration `json:"lookahead"` // Native forecast window

	// Device settings
	MinTemp        float64          `json:"min_temp"`
	MaxTemp        float64          `json:"max_temp"`
	InitialTemp    float64          `json:"initial_temp"`
	WarmingRate    float64          `json:"warming_rate"` // degrees/minute, positive
	CoolingRate    float64          `json:"cooling_rate"` // degrees/minute, negative
	PowerDrawWatts float64          `json:"power_draw_watts"`
	LoadType       thermal.LoadType `json:"load_type"` // cooler or heater

	// Simulation settings
	NumTimesteps            StepLimit            `json:"num_timesteps"`
	Policy                  string               `json:"policy"` // single policy or "all"
	HistoricalExtensionCap  int                  `json:"historical_extension_cap"`
	HistoricalExtensionRule mpc.ExtensionRule    `json:"historical_extension_rule"`
	SlotGranularity         forecast.Granularity `json:"slot_granularity"`
	WarmupTimesteps         int                  `json:"warmup_timesteps"` // rows held back to seed the historical forecast
	EmissionsPrecision      int                  `json:"emissions_precision"`
	SolverTimeout           time.Duration        `json:"solver_timeout"`
	Parallel                bool                 `json:"parallel"`

	// Input/output
	DataPath    string `json:"data_path"`
	OutputDir   string `json:"output_dir"`
	CleanOutput bool   `json:"clean_output"`

	// Reporting
	PostgresConnString string   `json:"postgres_conn_string"` // PostgreSQL connection string (empty = disabled)
	KafkaBrokers       []string `json:"kafka_brokers"`
	KafkaTopic         string   `json:"kafka_topic"`
	WebPort            int      `json:"web_port"` // Port for dashboard and metrics (0 = disabled)

	// Logging settings
	LogLevel  string `json:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `json:"log_format"` // Log format: text, json
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	spec := thermal.DefaultSpec()
	return &Config{
		Timestep:                5 * time.Minute,
		Lookahead:               60 * time.Minute,
		MinTemp:                 spec.MinTemp,
		MaxTemp:                 spec.MaxTemp,
		InitialTemp:             spec.InitialTemp,
		WarmingRate:             spec.WarmingRate,
		CoolingRate:             spec.CoolingRate,
		PowerDrawWatts:          spec.PowerDrawWatts,
		LoadType:                spec.Type,
		NumTimesteps:            0, // all rows
		Policy:                  string(ForecastAndHistorical),
		HistoricalExtensionCap:  12,
		HistoricalExtensionRule: mpc.ExtensionMin,
		SlotGranularity:         forecast.Minute,
		WarmupTimesteps:         288, // one day of 5-minute rows
		EmissionsPrecision:      8,
		SolverTimeout:           30 * time.Second,
		Parallel:                false,
		DataPath:                "MOER_Data/SGIP_CAISO_PGE.csv",
		OutputDir:               "output",
		KafkaTopic:              "aer.simulation.records",
		WebPort:                 0,
		LogLevel:                "info",
		LogFormat:               "text",
	}
}

// LoadConfig loads configuration from a JSON file
func LoadConfig(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return LoadConfigFromReader(file)
}

// LoadConfigFromReader loads configuration from an io.Reader
func LoadConfigFromReader(reader io.Reader) (*Config, error) {
	config := DefaultConfig()

	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config JSON: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a JSON file
func (c *Config) SaveConfig(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	return c.SaveConfigToWriter(file)
}

// SaveConfigToWriter saves the configuration to an io.Writer
func (c *Config) SaveConfigToWriter(writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config JSON: %w", err)
	}

	return nil
}

// Validate checks if the configuration values are valid
func (c *Config) Validate() error {
	if c.Timestep <= 0 {
		return invalid("timestep", "timestep must be greater than 0, got: %s", c.Timestep)
	}

	if c.Lookahead <= 0 {
		return invalid("lookahead", "lookahead must be greater than 0, got: %s", c.Lookahead)
	}

	if c.Lookahead%c.Timestep != 0 {
		return invalid("lookahead", "lookahead (%s) must be a multiple of timestep (%s)", c.Lookahead, c.Timestep)
	}

	if err := c.DeviceSpec().Validate(); err != nil {
		return invalidErr("device", err)
	}

	if c.InitialTemp < c.MinTemp || c.InitialTemp > c.MaxTemp {
		return invalid("initial_temp", "initial_temp (%g) must be between min_temp (%g) and max_temp (%g)", c.InitialTemp, c.MinTemp, c.MaxTemp)
	}

	// From any temperature in the band one of the two states must keep the
	// next step inside it, otherwise every optimiser run ends infeasible.
	drift := (c.WarmingRate - c.CoolingRate) * c.Timestep.Minutes()
	if c.MaxTemp-c.MinTemp < drift {
		return invalid("max_temp", "temperature band %g-%g is narrower than one step of drift in both directions (%g)", c.MinTemp, c.MaxTemp, drift)
	}

	if c.NumTimesteps < 0 {
		return invalid("num_timesteps", "num_timesteps must be non-negative or \"all\", got: %d", c.NumTimesteps)
	}

	if _, err := ParsePolicies(c.Policy); err != nil {
		return invalidErr("policy", err)
	}

	if c.HistoricalExtensionCap < 0 {
		return invalid("historical_extension_cap", "historical_extension_cap must be non-negative, got: %d", c.HistoricalExtensionCap)
	}

	rule, err := mpc.ParseExtensionRule(string(c.HistoricalExtensionRule))
	if err != nil {
		return invalidErr("historical_extension_rule", err)
	}
	c.HistoricalExtensionRule = rule

	if !c.SlotGranularity.Valid() {
		return invalid("slot_granularity", "invalid slot_granularity: %s, must be one of: minute, hour", c.SlotGranularity)
	}

	if c.WarmupTimesteps < 0 {
		return invalid("warmup_timesteps", "warmup_timesteps must be non-negative, got: %d", c.WarmupTimesteps)
	}

	if c.EmissionsPrecision < 0 || c.EmissionsPrecision > 15 {
		return invalid("emissions_precision", "emissions_precision must be between 0 and 15, got: %d", c.EmissionsPrecision)
	}

	if c.SolverTimeout < 0 {
		return invalid("solver_timeout", "solver_timeout must be non-negative, got: %s", c.SolverTimeout)
	}

	if c.OutputDir == "" {
		return invalid("output_dir", "output_dir cannot be empty")
	}

	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaTopic) == "" {
		return invalid("kafka_topic", "kafka_topic cannot be empty when kafka_brokers are set")
	}

	if c.WebPort < 0 || c.WebPort > 65535 {
		return invalid("web_port", "web_port must be between 0 and 65535, got: %d", c.WebPort)
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return invalid("log_level", "invalid log_level: %s, must be one of: debug, info, warn, error", c.LogLevel)
	}

	// Validate log format
	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[c.LogFormat] {
		return invalid("log_format", "invalid log_format: %s, must be one of: text, json", c.LogFormat)
	}

	return nil
}

// DeviceSpec returns the thermal constants of the simulated device.
func (c *Config) DeviceSpec() thermal.Spec {
	return thermal.Spec{
		Type:           c.LoadType,
		MinTemp:        c.MinTemp,
		MaxTemp:        c.MaxTemp,
		InitialTemp:    c.InitialTemp,
		WarmingRate:    c.WarmingRate,
		CoolingRate:    c.CoolingRate,
		PowerDrawWatts: c.PowerDrawWatts,
	}
}

// Derivation returns the parameters used to derive per-step fields of the series.
func (c *Config) Derivation() signal.Derivation {
	return signal.Derivation{
		Granularity:        c.SlotGranularity,
		Timestep:           c.Timestep,
		PowerDrawWatts:     c.PowerDrawWatts,
		EmissionsPrecision: c.EmissionsPrecision,
	}
}

// SystemConfig returns the optimiser configuration for a policy.
func (c *Config) SystemConfig() mpc.SystemConfig {
	sys := mpc.NewSystemConfig(c.DeviceSpec(), c.Timestep, c.Lookahead)
	sys.HistoricalCap = c.HistoricalExtensionCap
	sys.ExtensionRule = c.HistoricalExtensionRule
	sys.SolverTimeout = c.SolverTimeout
	return sys
}

// Verbose reports whether per-timestep logging is enabled.
func (c *Config) Verbose() bool {
	return c.LogLevel == "debug"
}

// MarshalJSON implements custom JSON marshaling to handle durations
func (c *Config) MarshalJSON() ([]byte, error) {
	type Alias Config
	return json.Marshal(&struct {
		*Alias
		Timestep      string `json:"timestep"`
		Lookahead     string `json:"lookahead"`
		SolverTimeout string `json:"solver_timeout"`
	}{
		Alias:         (*Alias)(c),
		Timestep:      c.Timestep.String(),
		Lookahead:     c.Lookahead.String(),
		SolverTimeout: c.SolverTimeout.String(),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling to handle durations
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		*Alias
		Timestep      string `json:"timestep"`
		Lookahead     string `json:"lookahead"`
		SolverTimeout string `json:"solver_timeout"`
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if aux.Timestep != "" {
		if c.Timestep, err = time.ParseDuration(aux.Timestep); err != nil {
			return fmt.Errorf("invalid timestep: %w", err)
		}
	}

	if aux.Lookahead != "" {
		if c.Lookahead, err = time.ParseDuration(aux.Lookahead); err != nil {
			return fmt.Errorf("invalid lookahead: %w", err)
		}
	}

	if aux.SolverTimeout != "" {
		if c.SolverTimeout, err = time.ParseDuration(aux.SolverTimeout); err != nil {
			return fmt.Errorf("invalid solver_timeout: %w", err)
		}
	}

	return nil
}

// String returns a string representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
