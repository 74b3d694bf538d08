package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
entity_id: 1
root: /var/lib/cfdp
log_level: debug
transports:
  - kind: udp
    listen: 0.0.0.0:5111
    peers:
      2: 10.0.0.2:5111
      3: 10.0.0.3:5111
  - kind: stream
    dial: 10.0.1.1:7777
    peers:
      4: ""
timing:
  ack_timeout: 5s
  ack_limit: 5
  nak_timeout: 2s
  nak_limit: 5
  inactivity_timeout: 2m
  segment_size: 1024
  linger: 15s
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, uint16(1), cfg.EntityID)
	assert.Equal(t, "/var/lib/cfdp", cfg.Root)
	assert.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Transports, 2)
	assert.Equal(t, "udp", cfg.Transports[0].Kind)
	assert.Equal(t, "10.0.0.2:5111", cfg.Transports[0].Peers[2])
	assert.Equal(t, "stream", cfg.Transports[1].Kind)

	tc := cfg.Transaction()
	assert.Equal(t, 5*time.Second, tc.AckTimeout)
	assert.Equal(t, 2*time.Minute, tc.InactivityTimeout)
	assert.Equal(t, 1024, tc.SegmentSize)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfdp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), cfg.EntityID)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing root",
			yaml: "entity_id: 1\ntransports:\n  - kind: udp\n    listen: :5111\n    peers:\n      2: a:1\n",
		},
		{
			name: "no transports",
			yaml: "entity_id: 1\nroot: /tmp/x\n",
		},
		{
			name: "unknown kind",
			yaml: "entity_id: 1\nroot: /tmp/x\ntransports:\n  - kind: carrier-pigeon\n    peers:\n      2: a:1\n",
		},
		{
			name: "udp without listen",
			yaml: "entity_id: 1\nroot: /tmp/x\ntransports:\n  - kind: udp\n    peers:\n      2: a:1\n",
		},
		{
			name: "stream without dial",
			yaml: "entity_id: 1\nroot: /tmp/x\ntransports:\n  - kind: stream\n    peers:\n      2: \"\"\n",
		},
		{
			name: "peer is local entity",
			yaml: "entity_id: 1\nroot: /tmp/x\ntransports:\n  - kind: udp\n    listen: :5111\n    peers:\n      1: a:1\n",
		},
		{
			name: "duplicate peer across transports",
			yaml: "entity_id: 1\nroot: /tmp/x\ntransports:\n  - kind: udp\n    listen: :5111\n    peers:\n      2: a:1\n  - kind: udp\n    listen: :5112\n    peers:\n      2: b:1\n",
		},
		{
			name: "bad duration",
			yaml: "entity_id: 1\nroot: /tmp/x\ntransports:\n  - kind: udp\n    listen: :5111\n    peers:\n      2: a:1\ntiming:\n  ack_timeout: soon\n",
		},
		{
			name: "unknown field",
			yaml: "entity_id: 1\nroot: /tmp/x\nshoe_size: 44\ntransports:\n  - kind: udp\n    listen: :5111\n    peers:\n      2: a:1\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
