package settings

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ErrNoConfig is returned when the settings file cannot be found or read.
// The controller cannot pick dosing thresholds without it, so callers treat it as fatal.
var ErrNoConfig = errors.New("settings file not available")

// Settings holds every tunable of the grow module. It is loaded once at
// startup and handed to each subsystem constructor; nothing mutates it afterwards.
type Settings struct {
	DevMode  bool   `yaml:"dev_mode" json:"dev_mode"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	Device      Device      `yaml:"device" json:"device"`
	Server      Server      `yaml:"server" json:"server"`
	Targets     Targets     `yaml:"targets" json:"targets"`
	Quality     Quality     `yaml:"quality" json:"-"`
	Actuators   Actuators   `yaml:"actuators" json:"actuators"`
	Interval    Interval    `yaml:"interval" json:"interval"`
	Sensors     Sensors     `yaml:"sensors" json:"sensors"`
	Calibration Calibration `yaml:"calibration" json:"calibration"`
	Fallbacks   Fallbacks   `yaml:"fallbacks" json:"fallbacks"`
	Camera      Camera      `yaml:"camera" json:"camera"`
	Model       Model       `yaml:"model" json:"model"`
	API         API         `yaml:"api" json:"-"`
	Telemetry   Telemetry   `yaml:"telemetry" json:"-"`
	Storage     Storage     `yaml:"storage" json:"storage"`
	Breaker     Breaker     `yaml:"breaker" json:"breaker"`
}

type Device struct {
	SerialNumber string `yaml:"serial_number" json:"serial_number"`
}

// Server is the backend the transmitter reports to.
type Server struct {
	URL          string  `yaml:"url" json:"url"`
	Timeout      float64 `yaml:"timeout" json:"timeout"`             // seconds, data and log requests
	PhotoTimeout float64 `yaml:"photo_timeout" json:"photo_timeout"` // seconds, image upload
}

// PH is the control band of the dosing pump.
type PH struct {
	Min    float64 `yaml:"min" json:"min"`
	Max    float64 `yaml:"max" json:"max"`
	Target float64 `yaml:"target" json:"target"`
}

type Targets struct {
	PH PH `yaml:"ph" json:"ph"`
}

// Band is an inclusive [Min, Max] range.
type Band struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains reports whether v lies inside the band.
func (b Band) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// QualityRule is one scoring dimension. Leaving Acceptable costs Danger points,
// leaving Optimal while still inside Acceptable costs Caution points.
type QualityRule struct {
	Optimal    Band `yaml:"optimal"`
	Acceptable Band `yaml:"acceptable"`
	Caution    int  `yaml:"caution"`
	Danger     int  `yaml:"danger"`
}

// Quality holds the analyzer tables. EC is in mS/cm, temperatures in °C and DO in mg/L.
// The pH optimal band is always the dosing control band (targets.ph).
type Quality struct {
	PH        QualityRule `yaml:"ph"`
	EC        QualityRule `yaml:"ec"`
	WaterTemp QualityRule `yaml:"water_temp"`
	DO        QualityRule `yaml:"do"`
}

type Actuators struct {
	GPIOChip       string  `yaml:"gpio_chip" json:"gpio_chip"`
	PHPumpPin      int     `yaml:"ph_pump_pin" json:"ph_pump_pin"`
	PumpDuration   float64 `yaml:"pump_duration" json:"pump_duration"`     // seconds
	DosingCooldown float64 `yaml:"dosing_cooldown" json:"dosing_cooldown"` // seconds
	LEDPin         int     `yaml:"led_pin" json:"led_pin"`
	LEDThreshold   float64 `yaml:"led_threshold" json:"led_threshold"` // ambient light %
	LEDFrequency   int     `yaml:"led_frequency" json:"led_frequency"` // Hz, software PWM
	LEDDeadband    float64 `yaml:"led_deadband" json:"led_deadband"`   // duty cycle %
}

// PumpPulse returns how long the dosing pump stays energized per dose.
func (a Actuators) PumpPulse() time.Duration {
	return seconds(a.PumpDuration)
}

// Cooldown returns the minimum time between two doses.
func (a Actuators) Cooldown() time.Duration {
	return seconds(a.DosingCooldown)
}

type Interval struct {
	RealtimeSec     float64 `yaml:"realtime_sec" json:"realtime_sec"`
	DBLogMin        float64 `yaml:"db_log_min" json:"db_log_min"`
	MonitorCamMin   float64 `yaml:"monitor_cam_min" json:"monitor_cam_min"`
	AnalysisCamHour float64 `yaml:"analysis_cam_hour" json:"analysis_cam_hour"`
}

func (i Interval) Realtime() time.Duration { return seconds(i.RealtimeSec) }
func (i Interval) DBLog() time.Duration    { return seconds(i.DBLogMin * 60) }
func (i Interval) Monitor() time.Duration  { return seconds(i.MonitorCamMin * 60) }
func (i Interval) Analysis() time.Duration { return seconds(i.AnalysisCamHour * 3600) }

// Sensors describes where each probe is attached.
type Sensors struct {
	I2CAddr       byte    `yaml:"i2c_addr" json:"i2c_addr"` // ADS1115
	ADCGain       string  `yaml:"adc_gain" json:"adc_gain"` // 2/3, 1, 2, 4, 8 or 16
	LightChannel  int     `yaml:"light_channel" json:"light_channel"`
	PHChannel     int     `yaml:"ph_channel" json:"ph_channel"`
	ECChannel     int     `yaml:"ec_channel" json:"ec_channel"`
	LightRefVolts float64 `yaml:"light_ref_volts" json:"light_ref_volts"`
	WaterTempGlob string  `yaml:"water_temp_glob" json:"water_temp_glob"` // DS18B20 w1 sysfs
	AirTempPath   string  `yaml:"air_temp_path" json:"air_temp_path"`     // IIO dht driver, milli °C
	HumidityPath  string  `yaml:"humidity_path" json:"humidity_path"`     // IIO dht driver, milli %RH
}

type Calibration struct {
	PHNeutralVoltage float64 `yaml:"ph_neutral_voltage" json:"ph_neutral_voltage"`
	PHSlope          float64 `yaml:"ph_slope" json:"ph_slope"`
	ECKValue         float64 `yaml:"ec_k_value" json:"ec_k_value"`
	ECOffset         float64 `yaml:"ec_offset" json:"ec_offset"`
	ECTempCoef       float64 `yaml:"ec_temp_coef" json:"ec_temp_coef"`
}

// Fallbacks are substituted for readings a probe failed to deliver.
type Fallbacks struct {
	WaterTemp    float64 `yaml:"water_temp" json:"water_temp"`
	AirTemp      float64 `yaml:"air_temp" json:"air_temp"`
	Humidity     float64 `yaml:"humidity" json:"humidity"`
	LightPercent float64 `yaml:"light_percent" json:"light_percent"`
	PH           float64 `yaml:"ph" json:"ph"`
	EC           float64 `yaml:"ec" json:"ec"`
}

type Camera struct {
	Enable      bool     `yaml:"enable" json:"enable"`
	Command     string   `yaml:"command" json:"command"`
	Args        []string `yaml:"args" json:"args"`
	Width       int      `yaml:"width" json:"width"`
	Height      int      `yaml:"height" json:"height"`
	Quality     int      `yaml:"quality" json:"quality"`
	UploadWidth uint     `yaml:"upload_width" json:"upload_width"` // 0 keeps the captured size
	Timeout     float64  `yaml:"timeout" json:"timeout"`           // seconds
}

// Model configures the 1h-ahead water forecast. Each expression sees the
// variables pH, EC, Water_Temp and DO.
type Model struct {
	Enable      bool              `yaml:"enable" json:"enable"`
	Expressions map[string]string `yaml:"expressions" json:"expressions"`
}

type API struct {
	Address      string `yaml:"address"`
	User         string `yaml:"user"`
	PasswordHash string `yaml:"password_hash"` // bcrypt; empty disables auth
}

type MQTT struct {
	Enable   bool   `yaml:"enable"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type AdafruitIO struct {
	Enable bool   `yaml:"enable"`
	User   string `yaml:"user"`
	Token  string `yaml:"token"`
	Prefix string `yaml:"prefix"`
}

type Redis struct {
	Enable   bool    `yaml:"enable"`
	Addr     string  `yaml:"addr"`
	Password string  `yaml:"password"`
	DB       int     `yaml:"db"`
	TTL      float64 `yaml:"ttl"` // seconds
}

type Telemetry struct {
	MQTT       MQTT       `yaml:"mqtt"`
	AdafruitIO AdafruitIO `yaml:"adafruitio"`
	Redis      Redis      `yaml:"redis"`
}

type Storage struct {
	DBPath        string `yaml:"db_path" json:"db_path"`
	HistoryType   string `yaml:"history_type" json:"history_type"` // "sqlite" | "memory"
	HistoryPath   string `yaml:"history_path" json:"history_path"`
	RetentionDays int    `yaml:"retention_days" json:"retention_days"`
}

// Retention returns how long local history is kept.
func (s Storage) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

type Breaker struct {
	MaxFailures  int     `yaml:"max_failures" json:"max_failures"`
	ResetSeconds float64 `yaml:"reset_seconds" json:"reset_seconds"`
}

func (b Breaker) ResetTimeout() time.Duration { return seconds(b.ResetSeconds) }

// Default returns the settings of a stock module.
func Default() Settings {
	return Settings{
		LogLevel: "info",
		Device:   Device{SerialNumber: "unknown_device"},
		Server: Server{
			URL:          "http://localhost:5000",
			Timeout:      3,
			PhotoTimeout: 15,
		},
		Targets: Targets{PH: PH{Min: 6.5, Max: 7.3, Target: 7.0}},
		Quality: Quality{
			PH: QualityRule{
				Acceptable: Band{Min: 5.0, Max: 7.5},
				Caution:    25,
				Danger:     45,
			},
			EC: QualityRule{
				Optimal:    Band{Min: 0.8, Max: 2.5},
				Acceptable: Band{Min: 0.5, Max: 3.0},
				Caution:    10,
				Danger:     30,
			},
			WaterTemp: QualityRule{
				Optimal:    Band{Min: 15, Max: 28},
				Acceptable: Band{Min: 10, Max: 30},
				Caution:    10,
				Danger:     20,
			},
			DO: QualityRule{
				Optimal:    Band{Min: 5.0, Max: math.Inf(1)},
				Acceptable: Band{Min: 3.0, Max: math.Inf(1)},
				Caution:    10,
				Danger:     20,
			},
		},
		Actuators: Actuators{
			GPIOChip:       "gpiochip0",
			PHPumpPin:      23,
			PumpDuration:   3,
			DosingCooldown: 300,
			LEDPin:         18,
			LEDThreshold:   80,
			LEDFrequency:   200,
			LEDDeadband:    3.0,
		},
		Interval: Interval{
			RealtimeSec:     5,
			DBLogMin:        15,
			MonitorCamMin:   5,
			AnalysisCamHour: 24,
		},
		Sensors: Sensors{
			I2CAddr:       0x48,
			ADCGain:       "1",
			LightChannel:  0,
			PHChannel:     1,
			ECChannel:     2,
			LightRefVolts: 3.3,
			WaterTempGlob: "/sys/bus/w1/devices/28-*/temperature",
			AirTempPath:   "/sys/bus/iio/devices/iio:device0/in_temp_input",
			HumidityPath:  "/sys/bus/iio/devices/iio:device0/in_humidityrelative_input",
		},
		Calibration: Calibration{
			PHNeutralVoltage: 1.65,
			PHSlope:          3.5,
			ECKValue:         1.0,
			ECOffset:         1.8,
			ECTempCoef:       0.02,
		},
		Fallbacks: Fallbacks{
			WaterTemp:    25.0,
			AirTemp:      0,
			Humidity:     0,
			LightPercent: 0,
			PH:           7.0,
			EC:           0,
		},
		Camera: Camera{
			Enable:  true,
			Command: "rpicam-still",
			Width:   640,
			Height:  480,
			Quality: 70,
			Timeout: 10,
		},
		API: API{
			Address: ":8080",
			User:    "codeponics",
		},
		Telemetry: Telemetry{
			MQTT:       MQTT{Broker: "tcp://localhost:1883", ClientID: "codeponics", Topic: "codeponics/realtime"},
			AdafruitIO: AdafruitIO{Prefix: "codeponics"},
			Redis:      Redis{Addr: "localhost:6379", TTL: 60},
		},
		Storage: Storage{
			DBPath:        "codeponics.db",
			HistoryType:   "sqlite",
			HistoryPath:   "history.db",
			RetentionDays: 30,
		},
		Breaker: Breaker{MaxFailures: 3, ResetSeconds: 30},
	}
}

// Load reads the settings file at path on top of Default and validates the result.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoConfig, err)
	}
	return Parse(data)
}

// Parse decodes YAML (or JSON) settings on top of Default.
func Parse(data []byte) (*Settings, error) {
	s := Default()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings the control loop cannot run safely with.
func (s *Settings) Validate() error {
	ph := s.Targets.PH
	if ph.Min >= ph.Max {
		return fmt.Errorf("targets.ph: min %.2f must be below max %.2f", ph.Min, ph.Max)
	}
	if ph.Target < ph.Min || ph.Target > ph.Max {
		return fmt.Errorf("targets.ph: target %.2f outside [%.2f, %.2f]", ph.Target, ph.Min, ph.Max)
	}
	for name, r := range map[string]QualityRule{
		"ec":         s.Quality.EC,
		"water_temp": s.Quality.WaterTemp,
		"do":         s.Quality.DO,
	} {
		if r.Optimal.Min > r.Optimal.Max || r.Acceptable.Min > r.Acceptable.Max {
			return fmt.Errorf("quality.%s: inverted band", name)
		}
		if r.Optimal.Min < r.Acceptable.Min || r.Optimal.Max > r.Acceptable.Max {
			return fmt.Errorf("quality.%s: optimal band must lie inside acceptable band", name)
		}
	}
	if s.Quality.PH.Acceptable.Min > ph.Min || s.Quality.PH.Acceptable.Max < ph.Max {
		return errors.New("quality.ph: acceptable band must contain targets.ph")
	}
	if s.Actuators.PumpDuration <= 0 {
		return errors.New("actuators.pump_duration must be positive")
	}
	if s.Actuators.DosingCooldown < 0 {
		return errors.New("actuators.dosing_cooldown cannot be negative")
	}
	if s.Actuators.LEDDeadband < 0 {
		return errors.New("actuators.led_deadband cannot be negative")
	}
	iv := s.Interval
	if iv.RealtimeSec <= 0 || iv.DBLogMin <= 0 || iv.MonitorCamMin <= 0 || iv.AnalysisCamHour <= 0 {
		return errors.New("interval: every interval must be positive")
	}
	if s.Server.URL == "" {
		return errors.New("server.url is required")
	}
	fb := s.Fallbacks
	for _, v := range []float64{fb.WaterTemp, fb.AirTemp, fb.Humidity, fb.LightPercent, fb.PH, fb.EC} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("fallbacks: every value must be a finite number")
		}
	}
	return nil
}

// PHRule returns the pH scoring rule, whose optimal band is the control band.
func (s *Settings) PHRule() QualityRule {
	r := s.Quality.PH
	r.Optimal = Band{Min: s.Targets.PH.Min, Max: s.Targets.PH.Max}
	return r
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
