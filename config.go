package tempest

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunable parameters of a Tempest listener or client,
// loaded from YAML (grounded on the outline-cli-ws internal.Config
// pattern: defaulted fields with yaml tags, loaded via LoadConfig).
type Config struct {
	TCPListen string `yaml:"tcp_listen"`
	UDPListen string `yaml:"udp_listen"`

	MaxMessageSize   int32 `yaml:"max_message_size"`
	SendBufferLimit  int   `yaml:"send_buffer_limit"`
	AutoSizeFactor   int   `yaml:"auto_size_factor"`

	PingInterval time.Duration `yaml:"ping_interval"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`

	RetransmitInitial time.Duration `yaml:"retransmit_initial"`
	RetransmitCap     time.Duration `yaml:"retransmit_cap"`
	RetransmitDeadline time.Duration `yaml:"retransmit_deadline"`

	RSAKeyBits int `yaml:"rsa_key_bits"`
}

// DefaultMaxMessageSize is spec.md §3's default MaxMessageSize (1 MiB).
const DefaultMaxMessageSize int32 = 1 << 20

// LoadConfig reads and parses path, applying Tempest's defaults to any
// zero-valued field (spec.md §4.6/§4.7: SendBufferLimit/AutoSizeFactor/
// ping and retransmit timing all name explicit defaults).
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	applyDefaults(&c)
	return &c, nil
}

// applyDefaults fills zero-valued fields with spec.md's stated defaults.
func applyDefaults(c *Config) {
	if c.TCPListen == "" {
		c.TCPListen = "0.0.0.0:7777"
	}
	if c.UDPListen == "" {
		c.UDPListen = "0.0.0.0:7777"
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.SendBufferLimit == 0 {
		c.SendBufferLimit = DefaultSendBufferLimit()
	}
	if c.AutoSizeFactor == 0 {
		c.AutoSizeFactor = 1
	}
	if c.PingInterval == 0 {
		c.PingInterval = 5 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 15 * time.Second
	}
	if c.RetransmitInitial == 0 {
		c.RetransmitInitial = 100 * time.Millisecond
	}
	if c.RetransmitCap == 0 {
		c.RetransmitCap = 2 * time.Second
	}
	if c.RetransmitDeadline == 0 {
		c.RetransmitDeadline = 15 * time.Second
	}
	if c.RSAKeyBits == 0 {
		c.RSAKeyBits = 2048
	}
}
