// Package config holds the initiator-side settings the wire core consumes:
// the address of the target to dial and the identity fields that outgoing
// PDU headers copy verbatim. The wire core never interprets these values
// beyond writing them into the fixed header fields they belong to.
package config

import (
	"encoding/binary"
	"fmt"

	"braces.dev/errtrace"
	"github.com/spf13/viper"
)

// Config is a read-only snapshot of one initiator connection setup.
type Config struct {
	Login   LoginConfig   `mapstructure:"login"`
	Session SessionConfig `mapstructure:"session"`
}

// LoginConfig groups the parameters negotiated when a session is
// established. The wire core only reads Security.TargetAddress; the
// remaining fields are carried for the login layer built on top.
type LoginConfig struct {
	Security SecurityConfig `mapstructure:"security"`
}

// SecurityConfig names the two endpoints of the session.
type SecurityConfig struct {
	// TargetAddress is the host:port the initiator dials.
	TargetAddress string `mapstructure:"target_address"`
	// TargetName is the iSCSI qualified name of the target.
	TargetName string `mapstructure:"target_name"`
	// InitiatorName is the iSCSI qualified name of this initiator.
	InitiatorName string `mapstructure:"initiator_name"`
}

// SessionConfig carries the per-request wire fields copied into outgoing
// headers: the logical unit, the task tag correlating requests with
// responses and the sequence numbers the target expects.
type SessionConfig struct {
	Lun              uint64 `mapstructure:"lun"`
	InitiatorTaskTag uint32 `mapstructure:"initiator_task_tag"`
	CmdSN            uint32 `mapstructure:"cmd_sn"`
	ExpStatSN        uint32 `mapstructure:"exp_stat_sn"`
}

// Load reads a YAML config file into a Config. The target address is the
// only field a connection cannot live without, so a missing one is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants Load enforces, for Configs built in code.
func (c *Config) Validate() error {
	if c.Login.Security.TargetAddress == "" {
		return errtrace.Wrap(fmt.Errorf("config: login.security.target_address is required"))
	}
	return nil
}

// LunBytes is Session.Lun in the 8-byte big-endian form PDU headers carry.
func (c *Config) LunBytes() [8]byte {
	var lun [8]byte
	binary.BigEndian.PutUint64(lun[:], c.Session.Lun)
	return lun
}
