// Package config builds the process configuration once at startup.
//
// Values are layered in increasing precedence: built-in defaults, an
// optional YAML file, AIRCHASE_* environment variables and finally
// command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/airchase-telemetry/internal/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AIRCHASE_"

// Broker holds transport connection settings.
type Broker struct {
	Kind           string        `yaml:"kind"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	KeepAlive      time.Duration `yaml:"keepalive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Rates holds the publication frequencies in Hz.
type Rates struct {
	PositionHz float64 `yaml:"position_hz"`
	WeatherHz  float64 `yaml:"weather_hz"`
	FusedHz    float64 `yaml:"fused_hz"`
}

// Config is the full process configuration.
type Config struct {
	Broker            Broker  `yaml:"broker"`
	VehicleID         string  `yaml:"vehicle_id"`
	CompanionCallsign string  `yaml:"companion_callsign"`
	TopicBase         string  `yaml:"topic_base"`
	Rates             Rates   `yaml:"rates"`
	QoS               int     `yaml:"qos"`
	StartLat          float64 `yaml:"start_lat"`
	StartLon          float64 `yaml:"start_lon"`

	// EmitFused makes the simulator publish fused snapshots itself, without a
	// separate fusion process.
	EmitFused bool `yaml:"emit_fused"`
	Verbose   bool `yaml:"verbose"`

	// Duration bounds the run; zero runs until interrupted.
	Duration    time.Duration `yaml:"duration"`
	Seed        uint64        `yaml:"seed"`
	NoNoise     bool          `yaml:"no_noise"`
	Granularity time.Duration `yaml:"granularity"`
	MetricsAddr string        `yaml:"metrics_addr"`

	Log logging.Config `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Broker: Broker{
			Kind:           "mqtt",
			Host:           "localhost",
			Port:           1883,
			KeepAlive:      30 * time.Second,
			ConnectTimeout: 5 * time.Second,
		},
		VehicleID:         "pace_vehicle",
		CompanionCallsign: "AC2",
		TopicBase:         "airchase",
		Rates: Rates{
			PositionHz: 10,
			WeatherHz:  2,
			FusedHz:    10,
		},
		QoS:         0,
		StartLat:    51.66,
		StartLon:    -2.06,
		Granularity: time.Millisecond,
		MetricsAddr: ":9090",
		Log: logging.Config{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// Parse builds the configuration for the named program from args (without
// the program name) and getenv. A nil getenv reads the process environment.
// flag.ErrHelp is returned unwrapped when -h is requested.
func Parse(program string, args []string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()

	if path := configPath(args, getenv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet(program, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg.bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Verbose {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Usage writes the flag help for program to w.
func Usage(program string, w io.Writer) {
	cfg := Default()
	fs := flag.NewFlagSet(program, flag.ContinueOnError)
	cfg.bindFlags(fs)
	fs.SetOutput(w)
	fmt.Fprintf(w, "Usage of %s:\n", program)
	fs.PrintDefaults()
}

// configPath finds --config in args before flags are parsed, falling back
// to AIRCHASE_CONFIG.
func configPath(args []string, getenv func(string) string) string {
	for i, a := range args {
		name := strings.TrimLeft(a, "-")
		if name == a {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return getenv(EnvPrefix + "CONFIG")
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) bindFlags(fs *flag.FlagSet) {
	fs.String("config", "", "path to a YAML configuration file")
	fs.StringVar(&c.Broker.Kind, "transport", c.Broker.Kind, "broker kind: mqtt, nats or loopback")
	fs.StringVar(&c.Broker.Host, "host", c.Broker.Host, "broker host")
	fs.IntVar(&c.Broker.Port, "port", c.Broker.Port, "broker port")
	fs.StringVar(&c.Broker.Username, "username", c.Broker.Username, "broker username")
	fs.StringVar(&c.Broker.Password, "password", c.Broker.Password, "broker password")
	fs.DurationVar(&c.Broker.KeepAlive, "keepalive", c.Broker.KeepAlive, "broker keepalive interval")
	fs.DurationVar(&c.Broker.ConnectTimeout, "connect-timeout", c.Broker.ConnectTimeout, "broker connect timeout")
	fs.StringVar(&c.VehicleID, "vehicle-id", c.VehicleID, "vehicle identifier")
	fs.StringVar(&c.CompanionCallsign, "companion", c.CompanionCallsign, "companion aircraft callsign")
	fs.StringVar(&c.TopicBase, "topic-base", c.TopicBase, "topic namespace")
	fs.Float64Var(&c.Rates.PositionHz, "pos-hz", c.Rates.PositionHz, "position publish rate in Hz")
	fs.Float64Var(&c.Rates.WeatherHz, "wx-hz", c.Rates.WeatherHz, "weather publish rate in Hz")
	fs.Float64Var(&c.Rates.FusedHz, "fused-hz", c.Rates.FusedHz, "fused snapshot publish rate in Hz")
	fs.IntVar(&c.QoS, "qos", c.QoS, "publish quality of service (0, 1 or 2)")
	fs.Float64Var(&c.StartLat, "start-lat", c.StartLat, "initial latitude in degrees")
	fs.Float64Var(&c.StartLon, "start-lon", c.StartLon, "initial longitude in degrees")
	fs.BoolVar(&c.EmitFused, "emit-fused", c.EmitFused, "publish fused snapshots from the simulator")
	fs.BoolVar(&c.Verbose, "verbose", c.Verbose, "log at debug level")
	fs.DurationVar(&c.Duration, "duration", c.Duration, "run duration; 0 runs until interrupted")
	fs.Uint64Var(&c.Seed, "seed", c.Seed, "random seed; 0 picks one from the clock")
	fs.BoolVar(&c.NoNoise, "no-noise", c.NoNoise, "disable random jitter in the signal model")
	fs.DurationVar(&c.Granularity, "granularity", c.Granularity, "scheduler sleep granularity (at most 1ms)")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "HTTP address for Prometheus /metrics; empty disables")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level: debug, info, warn or error")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "log format: text or json")
	fs.StringVar(&c.Log.File, "log-file", c.Log.File, "also write logs to this rotating file")
}

// applyEnv overlays AIRCHASE_* variables and the LOG_* variables honoured by
// the logging package.
func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	str := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *float64) {
		if v := getenv(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = f
		}
	}
	integer := func(name string, dst *int) {
		if v := getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v := getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	p := EnvPrefix
	str(p+"TRANSPORT", &c.Broker.Kind)
	str(p+"BROKER_HOST", &c.Broker.Host)
	integer(p+"BROKER_PORT", &c.Broker.Port)
	str(p+"USERNAME", &c.Broker.Username)
	str(p+"PASSWORD", &c.Broker.Password)
	duration(p+"KEEPALIVE", &c.Broker.KeepAlive)
	duration(p+"CONNECT_TIMEOUT", &c.Broker.ConnectTimeout)
	str(p+"VEHICLE_ID", &c.VehicleID)
	str(p+"COMPANION", &c.CompanionCallsign)
	str(p+"TOPIC_BASE", &c.TopicBase)
	num(p+"POS_HZ", &c.Rates.PositionHz)
	num(p+"WX_HZ", &c.Rates.WeatherHz)
	num(p+"FUSED_HZ", &c.Rates.FusedHz)
	integer(p+"QOS", &c.QoS)
	num(p+"START_LAT", &c.StartLat)
	num(p+"START_LON", &c.StartLon)
	boolean(p+"EMIT_FUSED", &c.EmitFused)
	boolean(p+"VERBOSE", &c.Verbose)
	duration(p+"DURATION", &c.Duration)
	boolean(p+"NO_NOISE", &c.NoNoise)
	str(p+"METRICS_ADDR", &c.MetricsAddr)
	if v := getenv(p + "SEED"); v != "" {
		s, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSEED: %w", p, err))
		} else {
			c.Seed = s
		}
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Ids become single topic segments and the base a topic prefix. Both are
// also mapped onto NATS subjects, where "." separates tokens.
const (
	segmentReserved = "/+#."
	baseReserved    = "+#."
)

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Broker.Kind) {
	case "mqtt", "nats", "loopback":
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Broker.Kind))
	}
	if c.Broker.Port < 0 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Broker.Port))
	}
	if strings.TrimSpace(c.VehicleID) == "" {
		errs = append(errs, errors.New("vehicle id must not be empty"))
	} else if strings.ContainsAny(c.VehicleID, segmentReserved) {
		errs = append(errs, fmt.Errorf("vehicle id %q must not contain any of %q", c.VehicleID, segmentReserved))
	}
	if strings.TrimSpace(c.CompanionCallsign) == "" {
		errs = append(errs, errors.New("companion callsign must not be empty"))
	} else if strings.ContainsAny(c.CompanionCallsign, segmentReserved) {
		errs = append(errs, fmt.Errorf("companion callsign %q must not contain any of %q", c.CompanionCallsign, segmentReserved))
	}
	if strings.Trim(c.TopicBase, "/ ") == "" {
		errs = append(errs, errors.New("topic base must not be empty"))
	} else if strings.ContainsAny(c.TopicBase, baseReserved) {
		errs = append(errs, fmt.Errorf("topic base %q must not contain any of %q", c.TopicBase, baseReserved))
	}
	for _, r := range []struct {
		name string
		hz   float64
	}{
		{"position", c.Rates.PositionHz},
		{"weather", c.Rates.WeatherHz},
		{"fused", c.Rates.FusedHz},
	} {
		if r.hz <= 0 {
			errs = append(errs, fmt.Errorf("%s rate must be positive, got %v", r.name, r.hz))
		}
	}
	if c.QoS < 0 || c.QoS > 2 {
		errs = append(errs, fmt.Errorf("qos must be 0, 1 or 2, got %d", c.QoS))
	}
	if c.StartLat < -90 || c.StartLat > 90 {
		errs = append(errs, fmt.Errorf("start latitude %v out of range", c.StartLat))
	}
	if c.StartLon < -180 || c.StartLon > 180 {
		errs = append(errs, fmt.Errorf("start longitude %v out of range", c.StartLon))
	}
	if c.Duration < 0 {
		errs = append(errs, fmt.Errorf("duration must not be negative, got %s", c.Duration))
	}
	if c.Granularity <= 0 || c.Granularity > time.Millisecond {
		errs = append(errs, fmt.Errorf("granularity must be in (0, 1ms], got %s", c.Granularity))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
