package config

// ProtocolConfig enables and addresses the ingestion listeners. Default ports
// follow the protocols' registered conventions.
type ProtocolConfig struct {
	SyslogEnabled bool
	SyslogUDPPort string
	SyslogTCPPort string

	GELFEnabled bool
	GELFUDPPort string
	GELFTCPPort string

	BeatsEnabled bool
	BeatsPort    string

	FluentEnabled bool
	FluentPort    string

	// FileTailDir enables the directory tailer when non-empty.
	FileTailDir string

	// BindAddr is the interface listeners bind to.
	BindAddr string
}

// DefaultProtocolConfig returns the conventional listener addressing with all
// network listeners enabled.
func DefaultProtocolConfig() ProtocolConfig {
	return ProtocolConfig{
		SyslogEnabled: true,
		SyslogUDPPort: "514",
		SyslogTCPPort: "601",
		GELFEnabled:   true,
		GELFUDPPort:   "12201",
		GELFTCPPort:   "12202",
		BeatsEnabled:  true,
		BeatsPort:     "5044",
		FluentEnabled: true,
		FluentPort:    "9880",
		BindAddr:      "0.0.0.0",
	}
}

// LoadProtocolConfig reads listener toggles and port overrides from the
// environment.
func LoadProtocolConfig() ProtocolConfig {
	cfg := DefaultProtocolConfig()
	cfg.SyslogEnabled = getBool("SYSLOG_ENABLED", cfg.SyslogEnabled)
	cfg.SyslogUDPPort = getEnv("SYSLOG_UDP_PORT", cfg.SyslogUDPPort)
	cfg.SyslogTCPPort = getEnv("SYSLOG_TCP_PORT", cfg.SyslogTCPPort)
	cfg.GELFEnabled = getBool("GELF_ENABLED", cfg.GELFEnabled)
	cfg.GELFUDPPort = getEnv("GELF_UDP_PORT", cfg.GELFUDPPort)
	cfg.GELFTCPPort = getEnv("GELF_TCP_PORT", cfg.GELFTCPPort)
	cfg.BeatsEnabled = getBool("BEATS_ENABLED", cfg.BeatsEnabled)
	cfg.BeatsPort = getEnv("BEATS_PORT", cfg.BeatsPort)
	cfg.FluentEnabled = getBool("FLUENT_ENABLED", cfg.FluentEnabled)
	cfg.FluentPort = getEnv("FLUENT_PORT", cfg.FluentPort)
	cfg.FileTailDir = getEnv("FILE_TAIL_DIR", cfg.FileTailDir)
	cfg.BindAddr = getEnv("BIND_ADDR", cfg.BindAddr)
	return cfg
}
