// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"io"
	"log/syslog"
)

// SyslogConfig describes an optional syslog forwarding target. The
// original daemon (odr/odrd.py's setup_logging) always logged to
// syslog; here it is opt-in, matching the rest of this pack's services
// that treat syslog as one configurable sink among several.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string
	Tag      string
	Facility int
}

// DefaultSyslogConfig returns syslog forwarding disabled, with the
// conventional defaults filled in for when it is turned on.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "odrelayd",
		Facility: 1,
	}
}

// NewSyslogWriter dials a syslog daemon per cfg and returns a writer
// suitable for use as a Logger's output. Zero-valued Port/Protocol/Tag
// are defaulted the same way DefaultSyslogConfig() would set them.
func NewSyslogWriter(cfg SyslogConfig) (io.Writer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("logging: syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "odrelayd"
	}

	priority := syslog.Priority(cfg.Facility<<3) | syslog.LOG_INFO
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	w, err := syslog.Dial(cfg.Protocol, addr, priority, cfg.Tag)
	if err != nil {
		return nil, fmt.Errorf("logging: dial syslog at %s: %w", addr, err)
	}
	return w, nil
}
