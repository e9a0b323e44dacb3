package adblock

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// SubstitutionMode selects how ad segments are replaced in fallback mode.
type SubstitutionMode string

const (
	// SubstitutionBlank points ad segments at the embedded blank video.
	SubstitutionBlank SubstitutionMode = "blank"
	// SubstitutionPassthrough serves the fallback identity's lowest quality.
	SubstitutionPassthrough SubstitutionMode = "passthrough"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("30s") in YAML and JSON.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for YAML support.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var ns int64
		if err := json.Unmarshal(data, &ns); err != nil {
			return err
		}
		*d = Duration(ns)
		return nil
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the process-wide ad-block configuration. It is replaced as a
// whole; sessions read the current value on every call.
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// AdSignifier is the substring that marks ad segments and ad date ranges.
	AdSignifier string `yaml:"ad_signifier" json:"adSignifier"`
	// ContentSegmentTitle is the EXTINF title the provider gives regular
	// content. Once a playlist carries the signifier, segments with any other
	// title are ads. Empty, the default, disables the rule.
	ContentSegmentTitle    string   `yaml:"content_segment_title" json:"contentSegmentTitle"`
	BackupPlayerIdentities []string `yaml:"backup_player_identities" json:"backupPlayerIdentities"`
	FallbackPlayerIdentity string   `yaml:"fallback_player_identity" json:"fallbackPlayerIdentity"`

	MarkerDetection      bool    `yaml:"marker_detection" json:"markerDetection"`
	BitrateDetection     bool    `yaml:"bitrate_detection" json:"bitrateDetection"`
	BitrateDropThreshold float64 `yaml:"bitrate_drop_threshold" json:"bitrateDropThreshold"`

	StripAdSegments  bool             `yaml:"strip_ad_segments" json:"stripAdSegments"`
	SubstitutionMode SubstitutionMode `yaml:"substitution_mode" json:"substitutionMode"`

	ReloadOnAdEntry         bool     `yaml:"reload_on_ad_entry" json:"reloadOnAdEntry"`
	ReloadOnAdExit          bool     `yaml:"reload_on_ad_exit" json:"reloadOnAdExit"`
	ReloadSuppressionWindow Duration `yaml:"reload_suppression_window" json:"reloadSuppressionWindow"`
	SkipReloadOnHEVC        bool     `yaml:"skip_reload_on_hevc" json:"skipReloadOnHevc"`
	StripHEVCVariants       bool     `yaml:"strip_hevc_variants" json:"stripHevcVariants"`

	// PlayerIdentityParam is the usher query parameter carrying the identity.
	PlayerIdentityParam string `yaml:"player_identity_param" json:"playerIdentityParam"`
	UsherBaseURL        string `yaml:"usher_base_url" json:"usherBaseUrl"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		AdSignifier:             "stitched",
		BackupPlayerIdentities:  []string{"embed", "popout", "autoplay"},
		FallbackPlayerIdentity:  "embed",
		MarkerDetection:         true,
		BitrateDetection:        false,
		BitrateDropThreshold:    0.5,
		StripAdSegments:         true,
		SubstitutionMode:        SubstitutionBlank,
		ReloadSuppressionWindow: Duration(30 * time.Second),
		PlayerIdentityParam:     "player_type",
		UsherBaseURL:            "https://usher.ttvnw.net/api/channel/hls",
	}
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// Validate checks every field and returns the first *ConfigError found.
func (c Config) Validate() error {
	if c.Enabled && strings.TrimSpace(c.AdSignifier) == "" {
		return &ConfigError{Field: "adSignifier", Reason: "must not be empty"}
	}
	if c.BitrateDropThreshold < 0 || c.BitrateDropThreshold > 1 {
		return &ConfigError{Field: "bitrateDropThreshold", Reason: "must be between 0 and 1"}
	}
	if c.Enabled && !c.MarkerDetection && !c.BitrateDetection {
		return &ConfigError{Field: "markerDetection", Reason: "at least one detection method must be enabled"}
	}
	switch c.SubstitutionMode {
	case SubstitutionBlank, SubstitutionPassthrough:
	default:
		return &ConfigError{Field: "substitutionMode", Reason: fmt.Sprintf("unknown mode %q", c.SubstitutionMode)}
	}
	if c.ReloadSuppressionWindow < 0 {
		return &ConfigError{Field: "reloadSuppressionWindow", Reason: "must not be negative"}
	}
	seen := make(map[string]bool, len(c.BackupPlayerIdentities))
	for _, id := range c.BackupPlayerIdentities {
		if strings.TrimSpace(id) == "" {
			return &ConfigError{Field: "backupPlayerIdentities", Reason: "identity must not be empty"}
		}
		if seen[id] {
			return &ConfigError{Field: "backupPlayerIdentities", Reason: fmt.Sprintf("duplicate identity %q", id)}
		}
		seen[id] = true
	}
	if c.SubstitutionMode == SubstitutionPassthrough && c.FallbackPlayerIdentity == "" {
		return &ConfigError{Field: "fallbackPlayerIdentity", Reason: "required for passthrough substitution"}
	}
	if c.PlayerIdentityParam == "" {
		return &ConfigError{Field: "playerIdentityParam", Reason: "must not be empty"}
	}
	if c.UsherBaseURL != "" {
		u, err := url.Parse(c.UsherBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &ConfigError{Field: "usherBaseUrl", Reason: "must be an absolute URL"}
		}
	}
	return nil
}

func (c Config) clone() Config {
	c.BackupPlayerIdentities = append([]string(nil), c.BackupPlayerIdentities...)
	return c
}

// ConfigUpdate is a partial configuration. Nil fields keep their current value.
type ConfigUpdate struct {
	Enabled                 *bool             `yaml:"enabled" json:"enabled,omitempty"`
	AdSignifier             *string           `yaml:"ad_signifier" json:"adSignifier,omitempty"`
	ContentSegmentTitle     *string           `yaml:"content_segment_title" json:"contentSegmentTitle,omitempty"`
	BackupPlayerIdentities  *[]string         `yaml:"backup_player_identities" json:"backupPlayerIdentities,omitempty"`
	FallbackPlayerIdentity  *string           `yaml:"fallback_player_identity" json:"fallbackPlayerIdentity,omitempty"`
	MarkerDetection         *bool             `yaml:"marker_detection" json:"markerDetection,omitempty"`
	BitrateDetection        *bool             `yaml:"bitrate_detection" json:"bitrateDetection,omitempty"`
	BitrateDropThreshold    *float64          `yaml:"bitrate_drop_threshold" json:"bitrateDropThreshold,omitempty"`
	StripAdSegments         *bool             `yaml:"strip_ad_segments" json:"stripAdSegments,omitempty"`
	SubstitutionMode        *SubstitutionMode `yaml:"substitution_mode" json:"substitutionMode,omitempty"`
	ReloadOnAdEntry         *bool             `yaml:"reload_on_ad_entry" json:"reloadOnAdEntry,omitempty"`
	ReloadOnAdExit          *bool             `yaml:"reload_on_ad_exit" json:"reloadOnAdExit,omitempty"`
	ReloadSuppressionWindow *Duration         `yaml:"reload_suppression_window" json:"reloadSuppressionWindow,omitempty"`
	SkipReloadOnHEVC        *bool             `yaml:"skip_reload_on_hevc" json:"skipReloadOnHevc,omitempty"`
	StripHEVCVariants       *bool             `yaml:"strip_hevc_variants" json:"stripHevcVariants,omitempty"`
	PlayerIdentityParam     *string           `yaml:"player_identity_param" json:"playerIdentityParam,omitempty"`
	UsherBaseURL            *string           `yaml:"usher_base_url" json:"usherBaseUrl,omitempty"`
}

// Apply returns base with every non-nil field of u applied.
func (u ConfigUpdate) Apply(base Config) Config {
	c := base.clone()
	setIf(&c.Enabled, u.Enabled)
	setIf(&c.AdSignifier, u.AdSignifier)
	setIf(&c.ContentSegmentTitle, u.ContentSegmentTitle)
	if u.BackupPlayerIdentities != nil {
		c.BackupPlayerIdentities = append([]string(nil), (*u.BackupPlayerIdentities)...)
	}
	setIf(&c.FallbackPlayerIdentity, u.FallbackPlayerIdentity)
	setIf(&c.MarkerDetection, u.MarkerDetection)
	setIf(&c.BitrateDetection, u.BitrateDetection)
	setIf(&c.BitrateDropThreshold, u.BitrateDropThreshold)
	setIf(&c.StripAdSegments, u.StripAdSegments)
	setIf(&c.SubstitutionMode, u.SubstitutionMode)
	setIf(&c.ReloadOnAdEntry, u.ReloadOnAdEntry)
	setIf(&c.ReloadOnAdExit, u.ReloadOnAdExit)
	setIf(&c.ReloadSuppressionWindow, u.ReloadSuppressionWindow)
	setIf(&c.SkipReloadOnHEVC, u.SkipReloadOnHEVC)
	setIf(&c.StripHEVCVariants, u.StripHEVCVariants)
	setIf(&c.PlayerIdentityParam, u.PlayerIdentityParam)
	setIf(&c.UsherBaseURL, u.UsherBaseURL)
	return c
}

// FullUpdate returns an update that replaces every field with c.
func FullUpdate(c Config) ConfigUpdate {
	ids := append([]string(nil), c.BackupPlayerIdentities...)
	return ConfigUpdate{
		Enabled:                 &c.Enabled,
		AdSignifier:             &c.AdSignifier,
		ContentSegmentTitle:     &c.ContentSegmentTitle,
		BackupPlayerIdentities:  &ids,
		FallbackPlayerIdentity:  &c.FallbackPlayerIdentity,
		MarkerDetection:         &c.MarkerDetection,
		BitrateDetection:        &c.BitrateDetection,
		BitrateDropThreshold:    &c.BitrateDropThreshold,
		StripAdSegments:         &c.StripAdSegments,
		SubstitutionMode:        &c.SubstitutionMode,
		ReloadOnAdEntry:         &c.ReloadOnAdEntry,
		ReloadOnAdExit:          &c.ReloadOnAdExit,
		ReloadSuppressionWindow: &c.ReloadSuppressionWindow,
		SkipReloadOnHEVC:        &c.SkipReloadOnHEVC,
		StripHEVCVariants:       &c.StripHEVCVariants,
		PlayerIdentityParam:     &c.PlayerIdentityParam,
		UsherBaseURL:            &c.UsherBaseURL,
	}
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
