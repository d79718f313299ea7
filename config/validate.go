package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"guardflow/crypto"
)

var (
	ErrZeroChainID         = errors.New("config: ChainID must be set")
	ErrZeroTimelock        = errors.New("config: TimelockSeconds must be positive")
	ErrDuplicateRoleHolder = errors.New("config: protected role addresses must be distinct")
)

// Runtime holds the parsed values the daemon wires into the engine.
type Runtime struct {
	ChainID     uint64
	Contract    [20]byte
	Owner       [20]byte
	Broadcaster [20]byte
	Recovery    [20]byte
	Timelock    uint64
	HMACSecret  []byte
}

// Validate checks the configuration without resolving secrets.
func (c *Config) Validate() error {
	_, err := c.resolve(false)
	return err
}

// Runtime parses addresses and resolves the HMAC secret.
func (c *Config) Runtime() (Runtime, error) {
	return c.resolve(true)
}

func (c *Config) resolve(secrets bool) (Runtime, error) {
	rt := Runtime{ChainID: c.ChainID, Timelock: c.TimelockSeconds}
	if c.ChainID == 0 {
		return rt, ErrZeroChainID
	}
	if c.TimelockSeconds == 0 {
		return rt, ErrZeroTimelock
	}
	fields := []struct {
		name  string
		value string
		dst   *[20]byte
	}{
		{"ContractAddress", c.ContractAddress, &rt.Contract},
		{"Owner", c.Owner, &rt.Owner},
		{"Broadcaster", c.Broadcaster, &rt.Broadcaster},
		{"Recovery", c.Recovery, &rt.Recovery},
	}
	for _, f := range fields {
		addr, err := crypto.ParseAddress(f.value)
		if err != nil {
			return rt, fmt.Errorf("config: invalid %s: %w", f.name, err)
		}
		if addr == ([20]byte{}) {
			return rt, fmt.Errorf("config: %s must not be the zero address", f.name)
		}
		*f.dst = addr
	}
	if rt.Owner == rt.Broadcaster || rt.Owner == rt.Recovery || rt.Broadcaster == rt.Recovery {
		return rt, ErrDuplicateRoleHolder
	}
	if c.RateLimit.Burst < 0 {
		return rt, fmt.Errorf("config: rate_limit.Burst must not be negative")
	}
	if secrets {
		secret := c.Auth.HMACSecret
		if env := strings.TrimSpace(c.Auth.HMACSecretEnv); env != "" {
			if v, ok := os.LookupEnv(env); ok {
				secret = v
			}
		}
		if strings.TrimSpace(secret) != "" {
			rt.HMACSecret = []byte(secret)
		}
	}
	return rt, nil
}
