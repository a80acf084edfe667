// Package config loads the load balancer configuration from the process
// environment, prefixed with EDGELB__ and using __ as the nesting
// separator for listener rules and target groups.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "EDGELB__"

// LoadBalancingAlgorithm selects how a healthy target is picked for a
// forwarded request. Round robin is the only algorithm in scope.
type LoadBalancingAlgorithm string

const RoundRobin LoadBalancingAlgorithm = "ROUND_ROBIN"

// ListenerRule is the raw, unresolved configuration for one path-prefix
// rule: which target group it forwards to, which prefix it matches, and
// the prefix substituted on forward.
type ListenerRule struct {
	Name        string
	TargetGroup string
	PathPrefix  string
	PathRewrite string
}

// HealthCheck is the raw, unresolved health-check configuration for one
// target group.
type HealthCheck struct {
	Path             string
	Enabled          bool
	Timeout          time.Duration
	Interval         time.Duration
	SuccessThreshold int
	FailureThreshold int
}

// TargetGroup is the raw, unresolved configuration for one group of
// upstream targets.
type TargetGroup struct {
	Name        string
	Targets     string // comma-separated host:port[/uri] entries
	HealthCheck HealthCheck
}

// Config is the fully parsed load balancer configuration.
type Config struct {
	ListenerPort           int
	ConnectionTimeout      time.Duration
	LoadBalancingAlgorithm LoadBalancingAlgorithm
	ConnectionPoolSize     int
	CacheEnabled           bool
	CacheTTL               time.Duration
	ListenerRules          map[string]ListenerRule
	TargetGroups           map[string]TargetGroup

	// Ambient
	Env             string
	LogLevel        string
	LogFormat       string
	AdminAddr       string
	GracefulTimeout time.Duration
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }
func (c *Config) IsProduction() bool  { return c.Env == "production" }

// String renders the configuration for a single startup log line.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Config{\n\tlistener_port=%d,\n\tconnection_timeout=%s,\n\tload_balancing_algorithm=%s,\n\tconnection_pool_size=%d,\n\tcache_enabled=%t,\n",
		c.ListenerPort, c.ConnectionTimeout, c.LoadBalancingAlgorithm, c.ConnectionPoolSize, c.CacheEnabled)

	names := make([]string, 0, len(c.ListenerRules))
	for n := range c.ListenerRules {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		r := c.ListenerRules[n]
		fmt.Fprintf(&b, "\tlistener_rules.%s={target_group=%s, path_prefix=%s, path_rewrite=%s}\n", n, r.TargetGroup, r.PathPrefix, r.PathRewrite)
	}

	names = names[:0]
	for n := range c.TargetGroups {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		g := c.TargetGroups[n]
		fmt.Fprintf(&b, "\ttarget_groups.%s={targets=%s}\n", n, g.Targets)
	}
	b.WriteString("}")
	return b.String()
}

// Load reads configuration from a .env file (if present) followed by the
// process environment. Environment variables always take precedence over
// the .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := envMap()

	cfg := &Config{
		ListenerPort:           getInt(env, "LISTENER_PORT", 8080),
		ConnectionTimeout:      getMillis(env, "CONNECTION_TIMOUT", 60000),
		LoadBalancingAlgorithm: RoundRobin,
		ConnectionPoolSize:     getInt(env, "CONNECTION_POOL_SIZE", 1024),
		CacheEnabled:           getBool(env, "CACHE_ENABLED", false),
		CacheTTL:               getMillis(env, "CACHE_TTL", 10000),
		ListenerRules:          map[string]ListenerRule{},
		TargetGroups:           map[string]TargetGroup{},

		Env:             getString(env, "ENV", "development"),
		LogFormat:       getString(env, "LOG_FORMAT", ""),
		AdminAddr:       getString(env, "ADMIN_ADDR", ":9090"),
		GracefulTimeout: getMillis(env, "GRACEFUL_TIMEOUT", 15000),
	}
	cfg.LogLevel = getString(env, "LOG_LEVEL", defaultLogLevel(cfg.Env))

	if alg := getString(env, "LOAD_BALANCING_ALGORITHM", ""); alg != "" {
		if !strings.EqualFold(alg, "round_robin") {
			return nil, fmt.Errorf("config: unsupported load_balancing_algorithm %q", alg)
		}
	}

	rules, err := parseListenerRules(env)
	if err != nil {
		return nil, fmt.Errorf("config: listener_rules: %w", err)
	}
	cfg.ListenerRules = rules

	groups, err := parseTargetGroups(env)
	if err != nil {
		return nil, fmt.Errorf("config: target_groups: %w", err)
	}
	cfg.TargetGroups = groups

	if len(cfg.ListenerRules) == 0 {
		return nil, fmt.Errorf("config: at least one listener rule must be configured")
	}
	for name, r := range cfg.ListenerRules {
		if _, ok := cfg.TargetGroups[r.TargetGroup]; !ok {
			return nil, fmt.Errorf("config: listener rule %q references unknown target group %q", name, r.TargetGroup)
		}
	}

	return cfg, nil
}

func defaultLogLevel(env string) string {
	if env == "development" {
		return "debug"
	}
	return "info"
}

// envMap builds an upper-cased view of the process environment, keyed
// without the EDGELB__ prefix. The listener rule and target group name
// segment of a nested key keeps its original case.
func envMap() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToUpper(parts[0])
		if !strings.HasPrefix(key, envPrefix) {
			continue
		}
		key = strings.TrimPrefix(key, envPrefix)
		orig := parts[0][len(envPrefix):]
		for _, nested := range []string{"LISTENER_RULES__", "TARGET_GROUPS__"} {
			if len(orig) != len(key) || !strings.HasPrefix(key, nested) {
				continue
			}
			if idx := strings.Index(key[len(nested):], "__"); idx >= 0 {
				end := len(nested) + idx
				key = key[:len(nested)] + orig[len(nested):end] + key[end:]
			}
		}
		out[key] = parts[1]
	}
	return out
}

// parseListenerRules reconstructs listener_rules.<name>.<field> nested
// config entries from LISTENER_RULES__<name>__<field> keys.
func parseListenerRules(env map[string]string) (map[string]ListenerRule, error) {
	raw := map[string]map[string]string{}
	collectNested(env, "LISTENER_RULES__", raw)

	rules := map[string]ListenerRule{}
	for name, fields := range raw {
		tg, ok := fields["TARGET_GROUP"]
		if !ok {
			return nil, fmt.Errorf("rule %q: missing target_group", name)
		}
		prefix, ok := fields["PATH_PREFIX"]
		if !ok {
			return nil, fmt.Errorf("rule %q: missing path_prefix", name)
		}
		rules[name] = ListenerRule{
			Name:        name,
			TargetGroup: tg,
			PathPrefix:  prefix,
			PathRewrite: fields["PATH_REWRITE"],
		}
	}
	return rules, nil
}

func parseTargetGroups(env map[string]string) (map[string]TargetGroup, error) {
	raw := map[string]map[string]string{}
	collectNested(env, "TARGET_GROUPS__", raw)

	groups := map[string]TargetGroup{}
	for name, fields := range raw {
		targets, ok := fields["TARGETS"]
		if !ok {
			return nil, fmt.Errorf("target group %q: missing targets", name)
		}

		hc := HealthCheck{
			Timeout:          10000 * time.Millisecond,
			Interval:         60000 * time.Millisecond,
			SuccessThreshold: 5,
			FailureThreshold: 3,
		}

		// health_check fields arrive flattened with a single extra
		// HEALTH_CHECK__ segment, e.g. TARGET_GROUPS__api__HEALTH_CHECK__ENABLED.
		const hcPrefix = "HEALTH_CHECK__"
		hcFields := map[string]string{}
		for k, v := range fields {
			if strings.HasPrefix(k, hcPrefix) {
				hcFields[strings.TrimPrefix(k, hcPrefix)] = v
			}
		}
		if v, ok := hcFields["PATH"]; ok {
			hc.Path = v
		}
		if v, ok := hcFields["ENABLED"]; ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("target group %q: health_check.enabled: %w", name, err)
			}
			hc.Enabled = b
		}
		if v, ok := hcFields["TIMEOUT"]; ok {
			ms, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("target group %q: health_check.timeout: %w", name, err)
			}
			hc.Timeout = time.Duration(ms) * time.Millisecond
		}
		if v, ok := hcFields["INTERVAL"]; ok {
			ms, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("target group %q: health_check.interval: %w", name, err)
			}
			hc.Interval = time.Duration(ms) * time.Millisecond
		}
		if v, ok := hcFields["SUCCESS_THRESHOLD"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("target group %q: health_check.success_threshold: %w", name, err)
			}
			hc.SuccessThreshold = n
		}
		if v, ok := hcFields["FAILURE_THRESHOLD"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("target group %q: health_check.failure_threshold: %w", name, err)
			}
			hc.FailureThreshold = n
		}

		groups[name] = TargetGroup{Name: name, Targets: targets, HealthCheck: hc}
	}
	return groups, nil
}

// collectNested groups keys of the form <prefix><name>__<rest> into
// out[name][rest] = value.
func collectNested(env map[string]string, prefix string, out map[string]map[string]string) {
	for k, v := range env {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		idx := strings.Index(rest, "__")
		if idx < 0 {
			continue
		}
		name := rest[:idx]
		field := rest[idx+2:]
		bucket, ok := out[name]
		if !ok {
			bucket = map[string]string{}
			out[name] = bucket
		}
		bucket[field] = v
	}
}

func getString(env map[string]string, key, fallback string) string {
	if v, ok := env[key]; ok {
		return v
	}
	return fallback
}

func getInt(env map[string]string, key string, fallback int) int {
	if v, ok := env[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getMillis(env map[string]string, key string, fallbackMs int) time.Duration {
	if v, ok := env[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Duration(fallbackMs) * time.Millisecond
}

func getBool(env map[string]string, key string, fallback bool) bool {
	if v, ok := env[key]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
