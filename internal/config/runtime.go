package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Runtime is the process configuration. Precedence: ENV > file > defaults.
// The deployable Document (zones, timing) lives in the store, not here.
type Runtime struct {
	ListenAddr    string `yaml:"listen_addr"`
	DBPath        string `yaml:"db_path"`
	SerialPort    string `yaml:"serial_port"`
	BaudRate      int    `yaml:"baud_rate"`
	LogLevel      string `yaml:"log_level"`
	LogService    string `yaml:"log_service"`
	OwnerSalt     string `yaml:"owner_salt"`
	MasterPINHash string `yaml:"master_pin_hash"`
	RateLimitRPM  int    `yaml:"rate_limit_rpm"`
	SerialFake    bool   `yaml:"serial_fake"` // loopback port for bench setups without hardware
}

// DefaultRuntime returns the built-in defaults.
func DefaultRuntime() Runtime {
	return Runtime{
		ListenAddr:   ":8080",
		DBPath:       "lockers.db",
		SerialPort:   "/dev/ttyUSB0",
		BaudRate:     9600,
		LogLevel:     "info",
		LogService:   "locker-gateway",
		RateLimitRPM: 600,
	}
}

// Loader loads runtime configuration with ENV > file > defaults precedence.
type Loader struct {
	path string
}

// NewLoader creates a loader for the optional YAML file at path.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load merges defaults, the YAML file (if present) and the environment.
func (l *Loader) Load() (Runtime, error) {
	rt := DefaultRuntime()

	if l.path != "" {
		raw, err := os.ReadFile(l.path)
		if err != nil {
			if !os.IsNotExist(err) {
				return rt, fmt.Errorf("config: read %s: %w", l.path, err)
			}
		} else if err := yaml.Unmarshal(raw, &rt); err != nil {
			return rt, fmt.Errorf("config: parse %s: %w", l.path, err)
		}
	}

	applyEnv(&rt)

	if rt.OwnerSalt == "" {
		return rt, fmt.Errorf("config: owner_salt is required (set LOCKERGW_OWNER_SALT)")
	}
	return rt, nil
}

func applyEnv(rt *Runtime) {
	rt.ListenAddr = envString("LOCKERGW_LISTEN", rt.ListenAddr)
	rt.DBPath = envString("LOCKERGW_DB", rt.DBPath)
	rt.SerialPort = envString("LOCKERGW_SERIAL_PORT", rt.SerialPort)
	rt.BaudRate = envInt("LOCKERGW_BAUD_RATE", rt.BaudRate)
	rt.LogLevel = envString("LOCKERGW_LOG_LEVEL", rt.LogLevel)
	rt.LogService = envString("LOCKERGW_LOG_SERVICE", rt.LogService)
	rt.OwnerSalt = envString("LOCKERGW_OWNER_SALT", rt.OwnerSalt)
	rt.MasterPINHash = envString("LOCKERGW_MASTER_PIN_HASH", rt.MasterPINHash)
	rt.RateLimitRPM = envInt("LOCKERGW_RATE_LIMIT_RPM", rt.RateLimitRPM)
	rt.SerialFake = envBool("LOCKERGW_SERIAL_FAKE", rt.SerialFake)
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
