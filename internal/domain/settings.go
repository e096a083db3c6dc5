package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Exhaustion policies for the proxy pool.
const (
	ExhaustedDirect = "direct"
	ExhaustedFail   = "fail"
)

// Settings are the hot-reloadable tunables shared by the scheduler,
// dispatcher and proxy pool.
type Settings struct {
	DefaultIntervalSeconds int `yaml:"default_interval_seconds" json:"default_interval_seconds"`
	ScanDelayMinMS         int `yaml:"scan_delay_min_ms" json:"scan_delay_min_ms"`
	ScanDelayMaxMS         int `yaml:"scan_delay_max_ms" json:"scan_delay_max_ms"`
	SourceRetries          int `yaml:"source_retries" json:"source_retries"`
	DegradedAfter          int `yaml:"degraded_after" json:"degraded_after"`
	DeactivateAfter        int `yaml:"deactivate_after" json:"deactivate_after"` // 0 = never

	SendRatePerSec     float64 `yaml:"send_rate_per_sec" json:"send_rate_per_sec"`
	SendBurst          int     `yaml:"send_burst" json:"send_burst"`
	MaxSendRetries     int     `yaml:"max_send_retries" json:"max_send_retries"`
	BackoffBaseSeconds int     `yaml:"backoff_base_seconds" json:"backoff_base_seconds"`
	BackoffMaxSeconds  int     `yaml:"backoff_max_seconds" json:"backoff_max_seconds"`

	Proxies ProxySettings `yaml:"proxies" json:"proxies"`
}

type ProxySettings struct {
	Endpoints         []string `yaml:"endpoints" json:"endpoints"`
	RotateEvery       int      `yaml:"rotate_every" json:"rotate_every"`
	FailureThreshold  int      `yaml:"failure_threshold" json:"failure_threshold"`
	RevalidateSeconds int      `yaml:"revalidate_seconds" json:"revalidate_seconds"`
	Exhausted         string   `yaml:"exhausted" json:"exhausted"`
}

func DefaultSettings() Settings {
	return Settings{
		DefaultIntervalSeconds: 300,
		ScanDelayMinMS:         500,
		ScanDelayMaxMS:         2000,
		SourceRetries:          2,
		DegradedAfter:          5,
		SendRatePerSec:         1,
		SendBurst:              1,
		MaxSendRetries:         5,
		BackoffBaseSeconds:     10,
		BackoffMaxSeconds:      900,
		Proxies: ProxySettings{
			RotateEvery:       25,
			FailureThreshold:  3,
			RevalidateSeconds: 300,
			Exhausted:         ExhaustedDirect,
		},
	}
}

func (s Settings) DefaultInterval() time.Duration {
	return time.Duration(s.DefaultIntervalSeconds) * time.Second
}

func (s Settings) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseSeconds) * time.Second
}

func (s Settings) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxSeconds) * time.Second
}

func (p ProxySettings) RevalidateInterval() time.Duration {
	return time.Duration(p.RevalidateSeconds) * time.Second
}

// Validate ensures all values are coherent.
func (s Settings) Validate() error {
	if s.DefaultIntervalSeconds <= 0 {
		return fmt.Errorf("default interval must be positive")
	}
	if s.ScanDelayMinMS < 0 || s.ScanDelayMaxMS < 0 {
		return fmt.Errorf("scan delay cannot be negative")
	}
	if s.ScanDelayMaxMS < s.ScanDelayMinMS {
		return fmt.Errorf("scan delay max (%d) cannot be below min (%d)", s.ScanDelayMaxMS, s.ScanDelayMinMS)
	}
	if s.SourceRetries < 0 {
		return fmt.Errorf("source retries cannot be negative")
	}
	if s.DegradedAfter < 0 || s.DeactivateAfter < 0 {
		return fmt.Errorf("failure thresholds cannot be negative")
	}
	if s.SendRatePerSec <= 0 {
		return fmt.Errorf("send rate must be positive")
	}
	if s.SendBurst <= 0 {
		return fmt.Errorf("send burst must be positive")
	}
	if s.MaxSendRetries < 0 {
		return fmt.Errorf("max send retries cannot be negative")
	}
	if s.BackoffBaseSeconds <= 0 {
		return fmt.Errorf("backoff base must be positive")
	}
	if s.BackoffMaxSeconds > 0 && s.BackoffMaxSeconds < s.BackoffBaseSeconds {
		return fmt.Errorf("backoff max (%ds) cannot be below base (%ds)", s.BackoffMaxSeconds, s.BackoffBaseSeconds)
	}
	p := s.Proxies
	if p.RotateEvery < 0 {
		return fmt.Errorf("proxy rotate_every cannot be negative")
	}
	if p.FailureThreshold <= 0 {
		return fmt.Errorf("proxy failure threshold must be positive")
	}
	if p.RevalidateSeconds < 0 {
		return fmt.Errorf("proxy revalidate interval cannot be negative")
	}
	if p.Exhausted != ExhaustedDirect && p.Exhausted != ExhaustedFail {
		return fmt.Errorf("proxy exhausted policy must be %q or %q", ExhaustedDirect, ExhaustedFail)
	}
	for _, raw := range p.Endpoints {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid proxy endpoint %q", raw)
		}
	}
	return nil
}

// Checksum is the sha256 of the canonical JSON encoding.
func (s Settings) Checksum() string {
	b, _ := json.Marshal(s)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// RuntimeConfig is one published, versioned settings snapshot.
type RuntimeConfig struct {
	Version     int64     `json:"version"`
	Checksum    string    `json:"checksum"`
	Settings    Settings  `json:"settings"`
	PublishedAt time.Time `json:"published_at"`
}
