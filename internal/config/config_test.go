package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/netpresence/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, time.Second, cfg.ProbeTimeout)
	assert.Equal(t, 100, cfg.ScanConcurrency)
	assert.Equal(t, []string{"system", "dig", "avahi"}, cfg.Resolvers)
	assert.Equal(t, 1<<16, cfg.MaxHosts)
	assert.Zero(t, cfg.RefreshInterval)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("NETPRESENCE_SCAN_CONCURRENCY", "16")
	t.Setenv("NETPRESENCE_RESOLVERS", " dig, DNS ,")
	t.Setenv("NETPRESENCE_DNS_SERVER", "192.168.1.1")
	t.Setenv("NETPRESENCE_REFRESH_INTERVAL", "5m")
	t.Setenv("NETPRESENCE_AUTODETECT", "true")
	t.Setenv("NETPRESENCE_PROBE_TIMEOUT", "garbage")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.ScanConcurrency)
	assert.Equal(t, []string{"dig", "dns"}, cfg.Resolvers)
	assert.Equal(t, 5*time.Minute, cfg.RefreshInterval)
	assert.True(t, cfg.AutoDetect)
	assert.Equal(t, time.Second, cfg.ProbeTimeout)
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("NETPRESENCE_SESSION_KEY", "short")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateDNSResolverNeedsServer(t *testing.T) {
	t.Setenv("NETPRESENCE_RESOLVERS", "dns")
	_, err := Load()
	assert.Error(t, err)
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadNetworks(t *testing.T) {
	path := writeFile(t, "redes.yaml", `
redes:
  - nombre: Casa
    cidr: 192.168.1.0/24
  - name: Lab
    cidr: " 10.10.0.0/29 "
  - nombre: sin cidr
  - nombre: rota
    cidr: 999.1.1.0/24
  - just-a-string
  - nombre: duplicada
    cidr: 192.168.1.0/24
  - cidr: 172.16.0.1
networks:
  - name: English key
    cidr: 10.20.0.0/30
`)
	nets, err := LoadNetworks(path)
	require.NoError(t, err)
	assert.Equal(t, []models.NetworkTarget{
		{Name: "Casa", CIDR: "192.168.1.0/24"},
		{Name: "Lab", CIDR: "10.10.0.0/29"},
		{Name: "172.16.0.1", CIDR: "172.16.0.1"},
		{Name: "English key", CIDR: "10.20.0.0/30"},
	}, nets)
}

func TestLoadNetworksMissingAndBroken(t *testing.T) {
	nets, err := LoadNetworks(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.NotNil(t, nets)
	assert.Empty(t, nets)

	_, err = LoadNetworks(writeFile(t, "bad.yaml", "redes: [unclosed"))
	assert.Error(t, err)

	nets, err = LoadNetworks(writeFile(t, "empty.yaml", ""))
	require.NoError(t, err)
	assert.Empty(t, nets)
}

func TestLoadMonitors(t *testing.T) {
	path := writeFile(t, "monitores.yaml", `
monitores:
  - nombre: Router
    host: 192.168.1.1
  - name: NAS
    ip: http://NAS.local:5000/
  - hostname: printer.lan
  - nombre: vacio
`)
	mons, err := LoadMonitors(path)
	require.NoError(t, err)
	assert.Equal(t, []models.Monitor{
		{Name: "Router", Host: "192.168.1.1"},
		{Name: "NAS", Host: "nas.local"},
		{Name: "printer.lan", Host: "printer.lan"},
	}, mons)
}

func TestNetworkFileDetectFallback(t *testing.T) {
	detected := []models.NetworkTarget{{Name: "eth0", CIDR: "192.168.50.0/24"}}
	src := NetworkFile{
		Path:   filepath.Join(t.TempDir(), "absent.yaml"),
		Detect: func() ([]models.NetworkTarget, error) { return detected, nil },
	}
	nets, err := src.Networks()
	require.NoError(t, err)
	assert.Equal(t, detected, nets)

	src.Path = writeFile(t, "redes.yaml", "redes:\n  - cidr: 10.0.0.0/30\n")
	nets, err = src.Networks()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/30", nets[0].CIDR)

	src = NetworkFile{Detect: func() ([]models.NetworkTarget, error) { return nil, errors.New("no ip tool") }}
	_, err = src.Networks()
	assert.Error(t, err)
}
