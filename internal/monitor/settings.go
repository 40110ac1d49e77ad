package monitor

import (
	"fmt"
	"time"

	"anembot/internal/config"
)

// Settings is the monitor's parsed, ready-to-use configuration snapshot.
// The running loop re-reads the current snapshot at every sleep and call
// boundary, so changes apply without a restart.
type Settings struct {
	MinMemberDelay time.Duration
	MaxMemberDelay time.Duration
	CycleInterval  time.Duration

	SiteCheckInterval time.Duration

	FailureCeiling        int
	NetworkErrorThreshold int

	CertificateDir string
	ExtraSweeps    []string
}

// SettingsFromConfig parses the duration strings and fills defaults.
func SettingsFromConfig(mc config.MonitorConfig) (Settings, error) {
	var (
		s   Settings
		err error
	)
	if s.MinMemberDelay, err = config.ParseDurationOrDefault("monitor.min_member_delay", mc.MinMemberDelay, 5*time.Second); err != nil {
		return s, err
	}
	if s.MaxMemberDelay, err = config.ParseDurationOrDefault("monitor.max_member_delay", mc.MaxMemberDelay, 10*time.Second); err != nil {
		return s, err
	}
	if s.MaxMemberDelay < s.MinMemberDelay {
		return s, fmt.Errorf("monitor.max_member_delay: must be >= min_member_delay")
	}
	if s.CycleInterval, err = config.ParseDurationOrDefault("monitor.cycle_interval", mc.CycleInterval, time.Minute); err != nil {
		return s, err
	}
	if s.SiteCheckInterval, err = config.ParseDurationOrDefault("monitor.site_check_interval", mc.SiteCheckInterval, time.Minute); err != nil {
		return s, err
	}

	s.FailureCeiling = mc.FailureCeiling
	if s.FailureCeiling <= 0 {
		s.FailureCeiling = 5
	}
	s.NetworkErrorThreshold = mc.NetworkErrorThreshold
	if s.NetworkErrorThreshold <= 0 {
		s.NetworkErrorThreshold = 3
	}

	s.CertificateDir = mc.CertificateDir
	if s.CertificateDir == "" {
		s.CertificateDir = "./certificates"
	}
	s.ExtraSweeps = mc.ExtraSweeps
	return s, nil
}
