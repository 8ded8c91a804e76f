package server

import (
	"bytes"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/janelia-flyem/dcmseq/dcm"
	"github.com/janelia-flyem/dcmseq/metadata"
	"github.com/janelia-flyem/dcmseq/viewer"
)

const (
	// DefaultWebAddress is the default address of the web server.
	DefaultWebAddress = "localhost:8600"

	// WebAPIPath is the path prefix of all HTTP API calls.
	WebAPIPath = "/api/"
)

// DefaultHost is the most understandable alias for this server.
var DefaultHost = "localhost"

func init() {
	// Assumes Linux or Mac.
	cmd := exec.Command("/bin/hostname", "-f")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil || out.Len() < 2 {
		return
	}
	DefaultHost = out.String()
	DefaultHost = DefaultHost[:len(DefaultHost)-1] // removes EOL
}

// Config is the parsed TOML configuration.
type Config struct {
	Server   serverConfig
	Viewer   viewer.Config
	Auth     authConfig
	DICOMweb dicomwebConfig
	Logging  dcm.LogConfig
	Kafka    KafkaConfig

	// Location is the TOML file this configuration was read from, if any.
	Location string `toml:"-"`
}

type serverConfig struct {
	Host          string
	Note          string
	HTTPAddress   string   `toml:"httpAddress"`
	AllowOrigins  []string `toml:"allow_origins"`
	ShutdownDelay int      `toml:"shutdown_delay"` // seconds to wait for open requests

	// SessionRetention is the number of seconds a stopped session stays available for
	// progress and image requests.
	SessionRetention int `toml:"session_retention"`
}

// dicomwebConfig describes where frames and metadata come from and the credential
// used for them.
type dicomwebConfig struct {
	BaseURL string `toml:"base_url"`

	// HealthcareStore, if set, is a Cloud Healthcare DICOM store resource name.  Metadata
	// is then retrieved through the Healthcare API client and base_url defaults to the
	// store's DICOMweb endpoint.
	HealthcareStore    string `toml:"healthcare_store"`
	HealthcareEndpoint string `toml:"healthcare_endpoint"`

	// Credentials is one of "none", "google", "service_account", "static" or "jwt".
	Credentials string
	Token       string
	KeyFile     string `toml:"key_file"`
	JWTUser     string `toml:"jwt_user"`
	JWTSecret   string `toml:"jwt_secret"`

	// Capture, if set, is a bucket URL into which every fetched frame response is
	// written.  Replay, if set, is a bucket URL frames are read from instead of the
	// network.
	Capture string
	Replay  string
}

// DefaultConfig returns the configuration used for settings not in the TOML file.
func DefaultConfig() Config {
	return Config{
		Server: serverConfig{
			Host:             DefaultHost,
			HTTPAddress:      DefaultWebAddress,
			ShutdownDelay:    5,
			SessionRetention: 300,
		},
		Viewer: viewer.DefaultConfig(),
		DICOMweb: dicomwebConfig{
			Credentials: "none",
		},
		Kafka: KafkaConfig{
			BufferSize: 1000,
		},
	}
}

// LoadConfig reads a TOML file over the default configuration.  Relative paths in the
// file are taken relative to the file's directory.
func LoadConfig(filename string) (Config, error) {
	c := DefaultConfig()
	if filename == "" {
		return c, fmt.Errorf("no server TOML configuration file provided")
	}
	if _, err := toml.DecodeFile(filename, &c); err != nil {
		return c, fmt.Errorf("could not decode TOML config: %v", err)
	}
	c.Location = filename
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return c, fmt.Errorf("could not convert relative paths to absolute paths in TOML config: %v", err)
	}
	c.Viewer.SetDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Some settings in the TOML can be given as relative paths.  This converts them in-place
// to absolute paths relative to the TOML file's own directory.
func (c *Config) convertPathsToAbsolute(configPath string) error {
	var err error
	configDir := filepath.Dir(configPath)

	// [logging].logfile
	if c.Logging.Logfile != "" {
		c.Logging.Logfile, err = dcm.ConvertToAbsolute(c.Logging.Logfile, configDir)
		if err != nil {
			return fmt.Errorf("error converting logfile setting to absolute path")
		}
	}

	// [auth].auth_file
	if c.Auth.AuthFile != "" {
		c.Auth.AuthFile, err = dcm.ConvertToAbsolute(c.Auth.AuthFile, configDir)
		if err != nil {
			return fmt.Errorf("error converting auth_file setting to absolute path")
		}
	}

	// [dicomweb].key_file
	if c.DICOMweb.KeyFile != "" {
		c.DICOMweb.KeyFile, err = dcm.ConvertToAbsolute(c.DICOMweb.KeyFile, configDir)
		if err != nil {
			return fmt.Errorf("error converting key_file setting to absolute path")
		}
	}
	return nil
}

// Validate checks settings that would otherwise fail only when a session starts.
func (c Config) Validate() error {
	if err := c.Viewer.Validate(); err != nil {
		return fmt.Errorf("[viewer] %v", err)
	}
	if c.Server.SessionRetention < 0 {
		return fmt.Errorf("[server] session_retention cannot be negative")
	}
	switch c.DICOMweb.Credentials {
	case "", "none", "google":
	case "static":
		if c.DICOMweb.Token == "" {
			return fmt.Errorf("[dicomweb] static credentials need a token")
		}
	case "service_account":
		if c.DICOMweb.KeyFile == "" {
			return fmt.Errorf("[dicomweb] service_account credentials need a key_file")
		}
	case "jwt":
		if c.DICOMweb.JWTSecret == "" {
			return fmt.Errorf("[dicomweb] jwt credentials need a jwt_secret")
		}
	default:
		return fmt.Errorf("[dicomweb] unknown credentials %q", c.DICOMweb.Credentials)
	}
	if c.DICOMweb.BaseURL == "" && c.DICOMweb.HealthcareStore == "" && c.DICOMweb.Replay == "" {
		return fmt.Errorf("[dicomweb] needs a base_url, healthcare_store or replay bucket")
	}
	return nil
}

// FramesBaseURL returns the DICOMweb base URL used for frame retrieval.
func (c Config) FramesBaseURL() string {
	if c.DICOMweb.BaseURL != "" || c.DICOMweb.HealthcareStore == "" {
		return c.DICOMweb.BaseURL
	}
	return metadata.DICOMwebURL(c.DICOMweb.HealthcareEndpoint, c.DICOMweb.HealthcareStore)
}

// ShutdownDelay returns how long to wait for open requests on shutdown.
func (c Config) ShutdownDelay() time.Duration {
	return time.Duration(c.Server.ShutdownDelay) * time.Second
}

// SessionRetention returns how long a stopped session is kept.
func (c Config) SessionRetention() time.Duration {
	return time.Duration(c.Server.SessionRetention) * time.Second
}
