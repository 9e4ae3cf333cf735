// Package config holds the proxy's process-wide configuration: the handful
// of CLI flags and environment variables listed in spec §6, validated the
// way the rest of the dependency graph validates its config structs.
package config

import (
	"fmt"
	"os"
	"strings"

	libval "github.com/go-playground/validator/v10"
	liberr "github.com/nabbar/golib/errors"
)

const (
	ErrorValidate liberr.CodeError = iota + liberr.MinAvailable
	ErrorMissingRuntimeDirectory
)

func init() {
	liberr.RegisterIdFctMessage(ErrorValidate, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case ErrorValidate:
		return "config seems to be invalid"
	case ErrorMissingRuntimeDirectory:
		return "RUNTIME_DIRECTORY environment variable is required"
	}
	return ""
}

// DefaultPort is the listening port used when no socket is inherited and
// --port was not given.
const DefaultPort uint16 = 9090

// DefaultIdleTimeoutSecs is the number of idle seconds before the process
// exits when --idle-timeout was not given.
const DefaultIdleTimeoutSecs uint32 = 90

// Config is the concrete shape of the proxy's runtime configuration.
type Config struct {
	Port             uint16 `mapstructure:"port" json:"port" yaml:"port" toml:"port" validate:"required,min=1,max=65535"`
	NoTLS            bool   `mapstructure:"noTls" json:"noTls" yaml:"noTls" toml:"noTls"`
	IdleTimeoutSecs  uint32 `mapstructure:"idleTimeoutSecs" json:"idleTimeoutSecs" yaml:"idleTimeoutSecs" toml:"idleTimeoutSecs"`
	RequireHTTPS     bool   `mapstructure:"requireHttps" json:"requireHttps" yaml:"requireHttps" toml:"requireHttps"`
	RuntimeDirectory string `mapstructure:"runtimeDirectory" json:"runtimeDirectory" yaml:"runtimeDirectory" toml:"runtimeDirectory" validate:"required"`
	WsInstanceDir    string `mapstructure:"wsInstanceDir" json:"wsInstanceDir" yaml:"wsInstanceDir" toml:"wsInstanceDir" validate:"required"`
}

// Default returns a Config with the defaults from spec §6 applied.
func Default() *Config {
	return &Config{
		Port:            DefaultPort,
		IdleTimeoutSecs: DefaultIdleTimeoutSecs,
		RequireHTTPS:    true,
	}
}

// Validate checks the struct tags above and reports every violation
// found in a single liberr.Error, naming the config-file setting each
// field corresponds to rather than its Go struct path.
func (c *Config) Validate() liberr.Error {
	er := libval.New().Struct(c)
	if er == nil {
		return nil
	}

	if _, ok := er.(*libval.InvalidValidationError); ok {
		return ErrorValidate.Error(er)
	}

	var problems []string
	for _, e := range er.(libval.ValidationErrors) {
		problems = append(problems, describeViolation(e))
	}

	//nolint goerr113
	return ErrorValidate.Error(fmt.Errorf("%s", strings.Join(problems, "; ")))
}

// describeViolation turns one validator.FieldError into a message naming
// the command-line/config-file setting it belongs to, per spec §6.
func describeViolation(e libval.FieldError) string {
	switch e.StructField() {
	case "Port":
		return "port must be between 1 and 65535"
	case "RuntimeDirectory":
		return "runtimeDirectory must not be empty"
	case "WsInstanceDir":
		return "wsInstanceDir must not be empty"
	default:
		return fmt.Sprintf("%s fails its %q constraint", e.StructField(), e.Tag())
	}
}

// FromEnvironment fills the two directory fields from RUNTIME_DIRECTORY,
// the only environment variable spec §6 requires. WsInstanceDir, when
// still empty, is set to $RUNTIME_DIRECTORY itself; the caller may
// override it after this call returns.
func (c *Config) FromEnvironment() liberr.Error {
	dir := os.Getenv("RUNTIME_DIRECTORY")
	if dir == "" {
		return ErrorMissingRuntimeDirectory.Error(nil)
	}

	c.RuntimeDirectory = dir
	if c.WsInstanceDir == "" {
		c.WsInstanceDir = dir
	}

	return nil
}
