package config_test

import (
	"os"
	"testing"

	"github.com/edgelb/edgelb/config"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		os.Setenv(k, v)
	}
	t.Cleanup(func() {
		for k := range kv {
			os.Unsetenv(k)
		}
	})
}

func TestLoadAppliesDefaults(t *testing.T) {
	setEnv(t, map[string]string{
		"EDGELB__LISTENER_RULES__api__TARGET_GROUP": "api",
		"EDGELB__LISTENER_RULES__api__PATH_PREFIX":  "/api",
		"EDGELB__TARGET_GROUPS__api__TARGETS":       "localhost:9000",
	})

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenerPort != 8080 {
		t.Errorf("ListenerPort = %d, want 8080", cfg.ListenerPort)
	}
	if cfg.LoadBalancingAlgorithm != config.RoundRobin {
		t.Errorf("LoadBalancingAlgorithm = %q, want round robin", cfg.LoadBalancingAlgorithm)
	}
	if cfg.CacheEnabled {
		t.Error("CacheEnabled should default false")
	}
	hc := cfg.TargetGroups["api"].HealthCheck
	if hc.FailureThreshold != 3 || hc.SuccessThreshold != 5 {
		t.Errorf("unexpected health check defaults: %+v", hc)
	}
}

func TestLoadParsesListenerRulesAndTargetGroups(t *testing.T) {
	setEnv(t, map[string]string{
		"EDGELB__LISTENER_RULES__web__TARGET_GROUP": "web",
		"EDGELB__LISTENER_RULES__web__PATH_PREFIX":  "/web/",
		"EDGELB__LISTENER_RULES__web__PATH_REWRITE": "/web",
		"EDGELB__TARGET_GROUPS__web__TARGETS":       "a:1,b:2/x",
		"EDGELB__TARGET_GROUPS__web__HEALTH_CHECK__ENABLED":           "true",
		"EDGELB__TARGET_GROUPS__web__HEALTH_CHECK__PATH":              "/ping",
		"EDGELB__TARGET_GROUPS__web__HEALTH_CHECK__FAILURE_THRESHOLD": "2",
	})

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	rule, ok := cfg.ListenerRules["web"]
	if !ok {
		t.Fatal("expected rule \"web\" to be parsed")
	}
	if rule.TargetGroup != "web" || rule.PathPrefix != "/web/" || rule.PathRewrite != "/web" {
		t.Errorf("unexpected rule: %+v", rule)
	}

	group, ok := cfg.TargetGroups["web"]
	if !ok {
		t.Fatal("expected target group \"web\" to be parsed")
	}
	if group.Targets != "a:1,b:2/x" {
		t.Errorf("Targets = %q", group.Targets)
	}
	if !group.HealthCheck.Enabled || group.HealthCheck.Path != "/ping" || group.HealthCheck.FailureThreshold != 2 {
		t.Errorf("unexpected health check: %+v", group.HealthCheck)
	}
}

func TestLoadRejectsRuleWithUnknownTargetGroup(t *testing.T) {
	setEnv(t, map[string]string{
		"EDGELB__LISTENER_RULES__api__TARGET_GROUP": "missing",
		"EDGELB__LISTENER_RULES__api__PATH_PREFIX":  "/api",
	})

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for listener rule referencing unknown target group")
	}
}

func TestLoadRejectsNoListenerRules(t *testing.T) {
	if _, err := config.Load(); err == nil {
		t.Fatal("expected error when no listener rules are configured")
	}
}
