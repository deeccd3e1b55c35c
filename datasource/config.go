package datasource

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/nndrao/components-sub001/errors"
)

// Transport hints accepted in Config.Transport.
const (
	TransportNATS      = "nats"
	TransportWebSocket = "websocket"
)

// Trigger payload formats.
const (
	TriggerFormatText = "text"
	TriggerFormatJSON = "json"
)

// ReconnectConfig controls automatic reconnection after an unexpected
// disconnect.
type ReconnectConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// MaxAttempts caps the reconnect loop; zero means retry forever.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	WaitMS      int `json:"wait_ms,omitempty" yaml:"wait_ms,omitempty"`
	MaxWaitMS   int `json:"max_wait_ms,omitempty" yaml:"max_wait_ms,omitempty"`
}

// Config is the full connection contract supplied by the collaborator.
// Durations are milliseconds so the config serializes the same in YAML
// and JSON.
type Config struct {
	Name      string `json:"name" yaml:"name"`
	URL       string `json:"url" yaml:"url"`
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"`

	ListenerTopic string `json:"listener_topic" yaml:"listener_topic"`
	RequestTopic  string `json:"request_topic,omitempty" yaml:"request_topic,omitempty"`

	TriggerPayload string `json:"trigger_payload,omitempty" yaml:"trigger_payload,omitempty"`
	TriggerFormat  string `json:"trigger_format,omitempty" yaml:"trigger_format,omitempty"`

	SnapshotEndToken string `json:"snapshot_end_token,omitempty" yaml:"snapshot_end_token,omitempty"`
	KeyColumn        string `json:"key_column" yaml:"key_column"`

	ConnectTimeoutMS  int `json:"connect_timeout_ms,omitempty" yaml:"connect_timeout_ms,omitempty"`
	SnapshotTimeoutMS int `json:"snapshot_timeout_ms,omitempty" yaml:"snapshot_timeout_ms,omitempty"`
	SnapshotSettleMS  int `json:"snapshot_settle_ms,omitempty" yaml:"snapshot_settle_ms,omitempty"`
	SnapshotMaxRows   int `json:"snapshot_max_rows,omitempty" yaml:"snapshot_max_rows,omitempty"`

	HeartbeatTopic      string `json:"heartbeat_topic,omitempty" yaml:"heartbeat_topic,omitempty"`
	HeartbeatIntervalMS int    `json:"heartbeat_interval_ms,omitempty" yaml:"heartbeat_interval_ms,omitempty"`

	Reconnect ReconnectConfig `json:"reconnect,omitempty" yaml:"reconnect,omitempty"`

	// InsertUnknownRows switches the store to inserting rows for updates
	// whose key is not present, instead of dropping them.
	InsertUnknownRows bool `json:"insert_unknown_rows,omitempty" yaml:"insert_unknown_rows,omitempty"`

	Debug bool `json:"debug,omitempty" yaml:"debug,omitempty"`
}

// configSchema validates the structural contract before semantic checks run.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["url", "listener_topic", "key_column"],
  "properties": {
    "name": {"type": "string"},
    "url": {"type": "string", "minLength": 1},
    "transport": {"type": "string", "enum": ["nats", "websocket"]},
    "listener_topic": {"type": "string", "minLength": 1},
    "request_topic": {"type": "string"},
    "trigger_payload": {"type": "string"},
    "trigger_format": {"type": "string", "enum": ["text", "json"]},
    "snapshot_end_token": {"type": "string"},
    "key_column": {"type": "string", "minLength": 1},
    "connect_timeout_ms": {"type": "integer", "minimum": 0},
    "snapshot_timeout_ms": {"type": "integer", "minimum": 0},
    "snapshot_settle_ms": {"type": "integer", "minimum": 0},
    "snapshot_max_rows": {"type": "integer", "minimum": 0},
    "heartbeat_topic": {"type": "string"},
    "heartbeat_interval_ms": {"type": "integer", "minimum": 0},
    "reconnect": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "max_attempts": {"type": "integer", "minimum": 0},
        "wait_ms": {"type": "integer", "minimum": 0},
        "max_wait_ms": {"type": "integer", "minimum": 0}
      }
    },
    "insert_unknown_rows": {"type": "boolean"},
    "debug": {"type": "boolean"}
  }
}`

// Validate checks the config against the JSON schema plus the semantic
// rules the schema cannot express.
func (c Config) Validate() error {
	doc, err := json.Marshal(c)
	if err != nil {
		return errors.WrapInvalid(err, "datasource", "Validate", "marshal config")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return errors.WrapInvalid(err, "datasource", "Validate", "schema validation")
	}
	if !result.Valid() {
		msg := "config validation failed:"
		for _, desc := range result.Errors() {
			msg += fmt.Sprintf(" %s: %s;", desc.Field(), desc.Description())
		}
		return errors.WrapInvalid(errors.ErrInvalidConfig, "datasource", "Validate", msg)
	}

	if c.TriggerPayload != "" && c.RequestTopic == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "datasource", "Validate",
			"request_topic is required when trigger_payload is set")
	}
	if c.TriggerFormat == TriggerFormatJSON && !json.Valid([]byte(c.TriggerPayload)) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "datasource", "Validate",
			"trigger_payload is not valid JSON but trigger_format is json")
	}
	if c.HeartbeatIntervalMS > 0 && c.HeartbeatTopic == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "datasource", "Validate",
			"heartbeat_topic is required when heartbeat_interval_ms is set")
	}
	return nil
}

// LoadConfig reads a YAML or JSON config file and validates it. YAML is a
// superset of JSON, so one decoder covers both.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.WrapInvalid(err, "datasource", "LoadConfig", fmt.Sprintf("read %s", path))
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates raw YAML or JSON config bytes.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, errors.WrapInvalid(err, "datasource", "ParseConfig", "decode config")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

func (c Config) snapshotTimeout() time.Duration {
	if c.SnapshotTimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.SnapshotTimeoutMS) * time.Millisecond
}

func (c Config) snapshotSettle() time.Duration {
	if c.SnapshotSettleMS <= 0 {
		return time.Second
	}
	return time.Duration(c.SnapshotSettleMS) * time.Millisecond
}

// triggerBytes returns the outbound trigger payload, or nil for passive
// mode. JSON-format payloads are sent as-is; text payloads too, since the
// far end defines their meaning.
func (c Config) triggerBytes() []byte {
	if c.TriggerPayload == "" {
		return nil
	}
	return []byte(c.TriggerPayload)
}
