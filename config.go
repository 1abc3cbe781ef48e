package gocsp

import (
	"io"

	"github.com/gocsp/gocsp/pkg/conn"
	"github.com/gocsp/gocsp/pkg/wire"
	"gopkg.in/yaml.v3"
)

// Config holds the compile-time stack limits spec §9 calls CONN_MAX,
// FIFO_INPUT, etc., as a typed, YAML-loadable value rather than the
// original's build-time #defines.
type Config struct {
	// Address is this node's own CSP address.
	Address uint16 `yaml:"address"`
	// WireVersion selects the 32-bit (v1) or 48-bit (v2) identifier layout.
	WireVersion wire.Version `yaml:"wire_version"`

	ConnMax     int `yaml:"conn_max"`
	FIFOInput   int `yaml:"fifo_input"`
	PoolCount   int `yaml:"pool_count"`
	RouteMax    int `yaml:"route_max"`
	DedupSize   int `yaml:"dedup_size"`
	ServiceRecv int `yaml:"service_recv_backlog"`

	RDP conn.RDPConfig `yaml:"rdp"`

	// RouteTable is an optional initial rtable.Load string (spec §4.C
	// format), applied once every named interface below has a route
	// resolvable against interfaces registered by the caller.
	RouteTable string `yaml:"route_table"`

	// Interfaces lists the UDP tunnel links this node brings up at
	// start, each standing in for a point-to-point radio or CAN-to-IP
	// bridge as described in SPEC_FULL's interface section.
	Interfaces []UDPInterfaceConfig `yaml:"interfaces"`
}

// UDPInterfaceConfig describes one udpif.Driver to construct at startup.
type UDPInterfaceConfig struct {
	Name    string `yaml:"name"`
	Listen  string `yaml:"listen"`
	Peer    string `yaml:"peer"`
	Address uint16 `yaml:"address"`
	Netmask int    `yaml:"netmask"`
	Via     uint16 `yaml:"via"`
}

// DefaultConfig returns the stack limits used when a deployment doesn't
// override them, matching libcsp's conservative compiled-in defaults.
func DefaultConfig() Config {
	return Config{
		Address:     1,
		WireVersion: wire.V1,
		ConnMax:     10,
		FIFOInput:   64,
		PoolCount:   64,
		RouteMax:    16,
		DedupSize:   8,
		ServiceRecv: 16,
		RDP:         conn.DefaultRDPConfig(),
	}
}

// LoadConfig decodes a YAML document into a Config seeded with
// DefaultConfig's values, so a partial document only overrides what it
// names.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, NewError("config: load", CodeInval, err)
	}
	return cfg, nil
}
