package cmd

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"
)

// Config stores the configuration parameters the marathon-acme binary
// needs, unmarshalled from a JSON file. No defaults are applied here;
// main resolves anything optional.
type Config struct {
	MarathonAcme MarathonAcmeConfig

	Syslog SyslogConfig
}

// MarathonAcmeConfig configures the marathon-acme service itself.
type MarathonAcmeConfig struct {
	// MarathonURL is the address of the Marathon master. Credentials may
	// be given as URL userinfo.
	MarathonURL string
	// LbEndpoints lists every marathon-lb replica to signal on reload.
	LbEndpoints []string
	// Group is the HAPROXY_GROUP value this instance provisions
	// certificates for.
	Group string

	// EventTypes is the set of Marathon event types that trigger a sync.
	// When absent, service.DefaultEventTypes is used; an explicit empty
	// list subscribes to all events. Which types a Marathon version
	// actually emits varies, so the set is deliberately configuration.
	EventTypes []string

	SyncInterval ConfigDuration
	HTTPTimeout  ConfigDuration

	// ListenAddress is where the HTTP-01 challenge responder listens.
	ListenAddress string
	DebugAddr     string

	ACME  AcmeConfig
	Store StoreConfig
}

// AcmeConfig configures the ACME client.
type AcmeConfig struct {
	// DirectoryURL of the ACME CA. Defaults to the Let's Encrypt
	// production directory.
	DirectoryURL string
	// Email registered as the ACME account contact.
	Email string
}

// StoreConfig selects and configures the certificate store back-end.
type StoreConfig struct {
	// Backend is one of "memory", "vault" or "redis".
	Backend string

	Vault VaultConfig
	Redis RedisConfig
}

// VaultConfig configures the Vault certificate store. A zero Address
// falls back to the VAULT_* environment variables.
type VaultConfig struct {
	Address   string
	Token     ConfigSecret
	MountPath string

	CACertFile     string
	ClientCertFile string
	ClientKeyFile  string
	ServerName     string
}

// RedisConfig configures the Redis certificate store.
type RedisConfig struct {
	Addr     string
	Password ConfigSecret
	DB       int
}

// SyslogConfig defines the config for syslogging.
type SyslogConfig struct {
	StdoutLevel int
	SyslogLevel int
}

// ConfigDuration is just an alias for time.Duration that allows
// serialization from JSON as a string.
type ConfigDuration struct {
	time.Duration
}

// ErrDurationMustBeString is returned when a non-string value is
// presented to be deserialized as a ConfigDuration
var ErrDurationMustBeString = errors.New("cannot JSON unmarshal something other than a string into a ConfigDuration")

// UnmarshalJSON parses a string into a ConfigDuration using
// time.ParseDuration.  If the input does not unmarshal as a
// string, then UnmarshalJSON returns ErrDurationMustBeString.
func (d *ConfigDuration) UnmarshalJSON(b []byte) error {
	s := ""
	err := json.Unmarshal(b, &s)
	if err != nil {
		var jsonErr *json.UnmarshalTypeError
		if errors.As(err, &jsonErr) {
			return ErrDurationMustBeString
		}
		return err
	}
	dd, err := time.ParseDuration(s)
	d.Duration = dd
	return err
}

// MarshalJSON returns the string form of the duration, as a byte array.
func (d ConfigDuration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Duration.String() + `"`), nil
}

// A ConfigSecret represents a string-valued config field. It may be specified
// directly in the config or, if it starts with the string "secret:", its
// contents are read from the filename that comes after "secret:", with
// trailing newlines removed.
type ConfigSecret string

var errSecretMustBeString = errors.New("cannot JSON unmarshal something other than a string into a ConfigSecret")

const secretPrefix = "secret:"

// UnmarshalJSON unmarshals a ConfigSecret
func (d *ConfigSecret) UnmarshalJSON(b []byte) error {
	s := ""
	err := json.Unmarshal(b, &s)
	if err != nil {
		var jsonErr *json.UnmarshalTypeError
		if errors.As(err, &jsonErr) {
			return errSecretMustBeString
		}
		return err
	}
	if !strings.HasPrefix(s, secretPrefix) {
		*d = ConfigSecret(s)
		return nil
	}
	contents, err := os.ReadFile(s[len(secretPrefix):])
	if err != nil {
		return err
	}
	*d = ConfigSecret(strings.TrimRight(string(contents), "\n"))
	return nil
}
