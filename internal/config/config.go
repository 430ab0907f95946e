package config

import "time"

// CLI is the root command structure kong parses vhcid's flags/config
// into. Flags and environment variables override file-based config,
// which is loaded in JSON -> YAML -> TOML priority order by main.
type CLI struct {
	Remote string `arg:"" help:"Remote usbipd host to import a device from." env:"VHCI_REMOTE"`
	BusID  string `arg:"" help:"Bus id of the device on the remote host, e.g. 1-1." env:"VHCI_BUSID"`

	Serial string `help:"Override the device's reported serial number." env:"VHCI_SERIAL"`
	Port   string `help:"Remote usbipd service name or port." default:"3240" env:"VHCI_PORT"`

	ConnectTimeout    time.Duration `help:"Timeout for the initial TCP connect." default:"10s" env:"VHCI_CONNECT_TIMEOUT"`
	KeepaliveIdle     time.Duration `help:"TCP keep-alive idle time before probing starts." default:"30s" env:"VHCI_KEEPALIVE_IDLE"`
	KeepaliveInterval time.Duration `help:"Interval between TCP keep-alive probes." default:"10s" env:"VHCI_KEEPALIVE_INTERVAL"`
	KeepaliveCount    int           `help:"Number of failed keep-alive probes before the connection is considered dead." default:"9" env:"VHCI_KEEPALIVE_COUNT"`

	Log struct {
		Level   string `help:"Log level: trace, debug, info, warn, error." default:"info" env:"VHCI_LOG_LEVEL"`
		File    string `help:"Also write structured logs to this file; console output then goes to stderr only." env:"VHCI_LOG_FILE"`
		RawFile string `help:"Write a hex dump of every wire frame to this file." env:"VHCI_LOG_RAW_FILE"`
	} `embed:"" prefix:"log."`

	Config string `help:"Path to a config file (json/yaml/toml)." env:"VHCI_CONFIG"`
}
