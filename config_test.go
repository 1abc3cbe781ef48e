package gocsp_test

import (
	"strings"
	"testing"

	gocsp "github.com/gocsp/gocsp"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigOverridesOnlyNamedFields(t *testing.T) {
	doc := `
address: 5
interfaces:
  - name: udp0
    listen: ":9600"
    peer: "10.0.0.2:9600"
    address: 6
`
	cfg, err := gocsp.LoadConfig(strings.NewReader(doc))
	require.NoError(t, err)

	require.Equal(t, uint16(5), cfg.Address)
	require.Len(t, cfg.Interfaces, 1)
	require.Equal(t, "udp0", cfg.Interfaces[0].Name)

	def := gocsp.DefaultConfig()
	require.Equal(t, def.ConnMax, cfg.ConnMax)
	require.Equal(t, def.FIFOInput, cfg.FIFOInput)
	require.Equal(t, def.RDP, cfg.RDP)
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	doc := "bogus_field: 1\n"
	_, err := gocsp.LoadConfig(strings.NewReader(doc))
	require.Error(t, err)
}

func TestLoadConfigEmptyDocumentYieldsDefaults(t *testing.T) {
	cfg, err := gocsp.LoadConfig(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, gocsp.DefaultConfig(), cfg)
}
