package iosconfig

import (
	"strings"
	"testing"
)

func TestBuilderForAliases(t *testing.T) {
	ospfAliases := []string{"modify_ospf_area", "modify_ospf_config", "change_area", "ospf_configuration_change"}
	credAliases := []string{"rotate_credentials", "credential_rotation"}
	secAliases := []string{"apply_security_patch", "security_remediation", "security_advisory"}

	for _, action := range append(append(ospfAliases, credAliases...), secAliases...) {
		if _, ok := BuilderFor(action); !ok {
			t.Fatalf("no builder for %q", action)
		}
	}
	if _, ok := BuilderFor("Modify_OSPF_Area"); !ok {
		t.Fatal("lookup is not case-insensitive")
	}
	if _, ok := BuilderFor("install_ios_upgrade"); ok {
		t.Fatal("unknown action matched a builder")
	}
	if got := len(Actions()); got != 9 {
		t.Fatalf("Actions() returned %d entries", got)
	}
}

func TestParseParams(t *testing.T) {
	params, err := ParseParams([]byte(`{"new_area": 0, "config_strategy": "network_only", "future_key": true}`))
	if err != nil {
		t.Fatal(err)
	}
	if params.NewArea == nil || *params.NewArea != 0 {
		t.Fatalf("new_area = %v", params.NewArea)
	}
	if params.ConfigStrategy != "network_only" {
		t.Fatalf("config_strategy = %q", params.ConfigStrategy)
	}

	params, err = ParseParams(nil)
	if err != nil {
		t.Fatal(err)
	}
	if params.NewArea != nil || params.Username != "" {
		t.Fatalf("empty payload produced %+v", params)
	}

	if _, err := ParseParams([]byte(`{"new_area":`)); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestOSPFBuilderDefaultsAreaTen(t *testing.T) {
	parsed := ParseRunningConfig(`!
router ospf 1
 network 192.168.100.0 0.0.0.255 area 0
!
end`)
	builder, ok := BuilderFor("change_area")
	if !ok {
		t.Fatal("no builder for change_area")
	}
	result, err := builder(parsed, Params{})
	if err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, cmd := range result.Commands {
		if cmd == " network 192.168.100.0 0.0.0.255 area 10" {
			found = true
		}
	}
	if !found {
		t.Fatalf("commands = %q", result.Commands)
	}
}

func TestSecurityBuilderDefaults(t *testing.T) {
	parsed := ParseRunningConfig(edgeConfig)
	builder, ok := BuilderFor("security_advisory")
	if !ok {
		t.Fatal("no builder for security_advisory")
	}
	result, err := builder(parsed, Params{})
	if err != nil {
		t.Fatal(err)
	}

	if result.Commands[0] != "ip access-list extended SEC-BLOCK" {
		t.Fatalf("commands = %q", result.Commands)
	}
	var tcp445, udp445 bool
	for _, cmd := range result.Commands {
		if cmd == " deny tcp any any eq 445 log" {
			tcp445 = true
		}
		if cmd == " deny udp any any eq 445 log" {
			udp445 = true
		}
	}
	if !tcp445 || !udp445 {
		t.Fatalf("default rules missing, commands = %q", result.Commands)
	}
}

func TestSecurityBuilderUsesCVEName(t *testing.T) {
	parsed := ParseRunningConfig(edgeConfig)
	builder, _ := BuilderFor("apply_security_patch")
	result, err := builder(parsed, Params{CVEID: "CVE-2024-20359"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(result.Commands[0], "ip access-list extended CVE-2024-20359-BLOCK") {
		t.Fatalf("commands = %q", result.Commands)
	}
}
