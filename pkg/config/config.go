// Package config loads the marshal configuration file.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"marshal/pkg/blocklist"
)

const (
	DefaultConfigPath = "/etc/marshal/marshal.conf"
	ConfigEnvVar      = "MARSHAL_CONFIG"
)

// Config contains all runtime options of the marshal service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DNS       DNSConfig       `mapstructure:"dns"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Blocking  BlockingConfig  `mapstructure:"blocking"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds the HTTP message surface settings. RedirectListen is an
// optional second listener, normally on port 80 of dns.blocked_address, that
// receives browsers sent there by DNS redirects.
type ServerConfig struct {
	Listen         string   `mapstructure:"listen"`
	RedirectListen string   `mapstructure:"redirect_listen"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DNSConfig holds the DNS rule engine settings.
type DNSConfig struct {
	Enabled          bool           `mapstructure:"enabled"`
	Listen           string         `mapstructure:"listen"`
	Upstream         UpstreamConfig `mapstructure:"upstream"`
	BlockedAddress   string         `mapstructure:"blocked_address"`
	BlockedAddressV6 string         `mapstructure:"blocked_address_v6"`
	RuleQuota        int            `mapstructure:"rule_quota"`
	CacheSize        int            `mapstructure:"cache_size"`
}

// UpstreamConfig holds upstream DNS resolver settings.
type UpstreamConfig struct {
	Servers []string `mapstructure:"servers"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level            string `mapstructure:"level"`
	File             string `mapstructure:"file"`
	ImportErrorLimit int    `mapstructure:"import_error_limit"`
}

// StorageConfig holds the state database location.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// BlockingConfig holds block list and rule settings.
type BlockingConfig struct {
	BlockedPage       string                     `mapstructure:"blocked_page"`
	RuleIDBase        int                        `mapstructure:"rule_id_base"`
	RuleIDSpan        int                        `mapstructure:"rule_id_span"`
	TimeSavedPerBlock int                        `mapstructure:"time_saved_per_block"`
	DefaultSites      []string                   `mapstructure:"default_sites"`
	BlockedLog        string                     `mapstructure:"blocked_log"`
	Catalog           map[string]CatalogCategory `mapstructure:"-"`
}

// CatalogCategory is one [blocking.catalog.<name>] table.
type CatalogCategory struct {
	Sites []string `mapstructure:"sites"`
}

// TelemetryConfig holds statistics settings.
type TelemetryConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// DefaultSites returns the catalogue used as the default block set: the
// explicit default_sites list, then any configured catalogue tables, then
// the built-in catalogue.
func (c *Config) DefaultSites() []string {
	set := blocklist.NewHostSet(c.Blocking.DefaultSites...)
	for _, category := range c.Blocking.Catalog {
		for _, site := range category.Sites {
			set.Add(site)
		}
	}
	if set.Len() == 0 {
		return blocklist.CatalogHosts(blocklist.Catalog)
	}
	return set.Sorted()
}

// Warnings reports settings that load fine but leave DNS redirects without a
// blocked page: browsers sent to dns.blocked_address connect to port 80.
func (c *Config) Warnings() []string {
	if !c.DNS.Enabled {
		return nil
	}
	target, key := c.Server.Listen, "server.listen"
	if c.Server.RedirectListen != "" {
		target, key = c.Server.RedirectListen, "server.redirect_listen"
	}
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return nil
	}

	var warnings []string
	if port != "80" {
		warnings = append(warnings, fmt.Sprintf(
			"DNS redirects send browsers to %s:80 but %s is %s; set server.redirect_listen to serve the blocked page there",
			c.DNS.BlockedAddress, key, target))
	}
	ip := net.ParseIP(host)
	if ip != nil && !ip.IsUnspecified() && !ip.Equal(net.ParseIP(c.DNS.BlockedAddress)) {
		warnings = append(warnings, fmt.Sprintf(
			"%s %s does not listen on dns.blocked_address %s", key, target, c.DNS.BlockedAddress))
	}
	return warnings
}

// ValidateLogLevel ensures the user-provided log level matches the supported set.
func ValidateLogLevel(level string) error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(level)] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", level)
	}
	return nil
}

// ValidateAddress confirms that an address string has a valid IP and port.
func ValidateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format %s: %w", addr, err)
	}
	if port == "" {
		return errors.New("invalid port")
	}
	if ip := net.ParseIP(host); ip == nil {
		return fmt.Errorf("invalid IP address: %s", host)
	}
	if _, err := net.LookupPort("udp", port); err != nil {
		return fmt.Errorf("invalid port: %s", port)
	}
	return nil
}

// ParseUpstream adds the default DNS port when an upstream is provided without one.
func ParseUpstream(upstream string) string {
	if _, _, err := net.SplitHostPort(upstream); err != nil {
		return net.JoinHostPort(upstream, "53")
	}
	return upstream
}

// Load reads the configuration file at path. An empty path selects
// MARSHAL_CONFIG, then DefaultConfigPath. A missing default file is not an
// error; the defaults are used instead.
func Load(path string) (*Config, error) {
	explicit := true
	if path == "" {
		path = strings.TrimSpace(os.Getenv(ConfigEnvVar))
	}
	if path == "" {
		path = DefaultConfigPath
		explicit = false
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	catalog, err := parseCatalog(v)
	if err != nil {
		return nil, err
	}
	cfg.Blocking.Catalog = catalog

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8053")
	v.SetDefault("dns.enabled", true)
	v.SetDefault("dns.listen", "127.0.0.1:5353")
	v.SetDefault("dns.upstream.servers", []string{"1.1.1.1:53", "9.9.9.9:53"})
	v.SetDefault("dns.blocked_address", "127.0.0.1")
	v.SetDefault("dns.rule_quota", 5000)
	v.SetDefault("dns.cache_size", 4096)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "stdout")
	v.SetDefault("logging.import_error_limit", 20)
	v.SetDefault("storage.path", "/var/lib/marshal/marshal.db")
	v.SetDefault("blocking.blocked_page", "http://127.0.0.1:8053/blocked")
	v.SetDefault("blocking.rule_id_base", 1000)
	v.SetDefault("blocking.rule_id_span", 100000)
	v.SetDefault("blocking.time_saved_per_block", 5)
	v.SetDefault("telemetry.retention_days", 0)
}

func validateConfig(cfg *Config) error {
	if err := ValidateLogLevel(cfg.Logging.Level); err != nil {
		return err
	}
	if cfg.Logging.ImportErrorLimit < 0 {
		return errors.New("logging.import_error_limit must be >= 0")
	}

	if err := ValidateAddress(cfg.Server.Listen); err != nil {
		return fmt.Errorf("invalid server.listen: %w", err)
	}
	if cfg.Server.RedirectListen != "" {
		if err := ValidateAddress(cfg.Server.RedirectListen); err != nil {
			return fmt.Errorf("invalid server.redirect_listen: %w", err)
		}
	}

	if cfg.DNS.Enabled {
		if err := ValidateAddress(cfg.DNS.Listen); err != nil {
			return fmt.Errorf("invalid dns.listen: %w", err)
		}
		if len(cfg.DNS.Upstream.Servers) == 0 {
			return errors.New("dns.upstream.servers must contain at least one entry")
		}
		parsedUpstreams := make([]string, len(cfg.DNS.Upstream.Servers))
		for i, addr := range cfg.DNS.Upstream.Servers {
			parsed := ParseUpstream(addr)
			if err := ValidateAddress(parsed); err != nil {
				return fmt.Errorf("invalid upstream address %s: %w", addr, err)
			}
			parsedUpstreams[i] = parsed
		}
		cfg.DNS.Upstream.Servers = parsedUpstreams

		if ip := net.ParseIP(cfg.DNS.BlockedAddress); ip == nil || ip.To4() == nil {
			return fmt.Errorf("dns.blocked_address must be an IPv4 address: %q", cfg.DNS.BlockedAddress)
		}
		if v6 := cfg.DNS.BlockedAddressV6; v6 != "" {
			if ip := net.ParseIP(v6); ip == nil || ip.To4() != nil {
				return fmt.Errorf("dns.blocked_address_v6 must be an IPv6 address: %q", v6)
			}
		}
	}
	if cfg.DNS.RuleQuota < 0 {
		return errors.New("dns.rule_quota must be >= 0")
	}

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}

	page, err := url.Parse(cfg.Blocking.BlockedPage)
	if err != nil || page.Host == "" || (page.Scheme != "http" && page.Scheme != "https") {
		return fmt.Errorf("blocking.blocked_page must be an absolute http(s) URL: %q", cfg.Blocking.BlockedPage)
	}
	if cfg.Blocking.RuleIDBase <= 0 || cfg.Blocking.RuleIDSpan <= 0 {
		return errors.New("blocking.rule_id_base and blocking.rule_id_span must be > 0")
	}
	if cfg.Blocking.TimeSavedPerBlock < 0 {
		return errors.New("blocking.time_saved_per_block must be >= 0")
	}

	sites := make([]string, 0, len(cfg.Blocking.DefaultSites))
	for _, site := range cfg.Blocking.DefaultSites {
		host, err := blocklist.NormalizeHost(site)
		if err != nil {
			return fmt.Errorf("invalid blocking.default_sites entry: %w", err)
		}
		sites = append(sites, host)
	}
	cfg.Blocking.DefaultSites = sites

	if cfg.Telemetry.RetentionDays < 0 {
		return errors.New("telemetry.retention_days must be >= 0")
	}
	return nil
}

// parseCatalog decodes the [blocking.catalog.<category>] tables.
func parseCatalog(v *viper.Viper) (map[string]CatalogCategory, error) {
	raw := v.GetStringMap("blocking.catalog")
	catalog := make(map[string]CatalogCategory, len(raw))
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		subMap, ok := raw[name].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("blocking.catalog.%s must be a table", name)
		}
		var category CatalogCategory
		if err := mapstructure.Decode(subMap, &category); err != nil {
			return nil, fmt.Errorf("parse blocking.catalog.%s: %w", name, err)
		}
		for i, site := range category.Sites {
			host, err := blocklist.NormalizeHost(site)
			if err != nil {
				return nil, fmt.Errorf("blocking.catalog.%s: %w", name, err)
			}
			category.Sites[i] = host
		}
		catalog[strings.ToLower(name)] = category
	}
	return catalog, nil
}
