package iosconfig

import (
	"reflect"
	"testing"
)

const routerConfig = `Router-1#show running-config
Building configuration...

Current configuration : 1834 bytes
!
hostname Router-1
!
enable algorithm-type sha256 secret 8 $8$abc123
username admin privilege 15 algorithm-type sha256 secret 8 $8$def456
username monitor secret 9 $9$xyz789
!
interface GigabitEthernet1
 description Management
 ip address 192.168.255.11 255.255.255.0
 no shutdown
!
interface GigabitEthernet2
 description Link-to-Router-2
 ip address 10.1.12.1 255.255.255.252
 ip ospf network point-to-point
 no shutdown
!
interface GigabitEthernet3
 description Link-to-Router-3
 ip address 10.1.13.1 255.255.255.252
 shutdown
!
interface Loopback0
 ip address 10.255.255.1 255.255.255.255
 ip ospf 1 area 0
!
router ospf 1
 router-id 10.255.255.1
 network 10.1.12.0 0.0.0.3 area 0
 network 10.1.13.0 0.0.0.3 area 0
 passive-interface GigabitEthernet1
!
ip access-list extended EDGE-IN
 deny tcp any any eq 445 log
 permit ip any any
!
interface GigabitEthernet4
 ip address 10.1.14.1 255.255.255.252
 ip access-group EDGE-IN in
!
end
Router-1#`

func TestParseRunningConfig(t *testing.T) {
	parsed := ParseRunningConfig(routerConfig)

	if parsed.Hostname != "Router-1" {
		t.Fatalf("hostname = %q, want Router-1", parsed.Hostname)
	}

	wantOrder := []string{"GigabitEthernet1", "GigabitEthernet2", "GigabitEthernet3", "Loopback0", "GigabitEthernet4"}
	if !reflect.DeepEqual(parsed.InterfaceOrder, wantOrder) {
		t.Fatalf("interface order = %v, want %v", parsed.InterfaceOrder, wantOrder)
	}

	gi2 := parsed.Interfaces["GigabitEthernet2"]
	if gi2 == nil {
		t.Fatal("GigabitEthernet2 not parsed")
	}
	if gi2.IPAddress != "10.1.12.1" || gi2.SubnetMask != "255.255.255.252" {
		t.Fatalf("GigabitEthernet2 addr = %s/%s", gi2.IPAddress, gi2.SubnetMask)
	}
	if gi2.Description != "Link-to-Router-2" {
		t.Fatalf("GigabitEthernet2 description = %q", gi2.Description)
	}
	if gi2.OSPFNetworkType != "point-to-point" {
		t.Fatalf("GigabitEthernet2 ospf network type = %q", gi2.OSPFNetworkType)
	}
	if gi2.Shutdown {
		t.Fatal("GigabitEthernet2 should not be shutdown")
	}
	if gi2.HasOSPF() {
		t.Fatal("GigabitEthernet2 has no interface-level ospf")
	}

	if !parsed.Interfaces["GigabitEthernet3"].Shutdown {
		t.Fatal("GigabitEthernet3 should be shutdown")
	}

	lo0 := parsed.Interfaces["Loopback0"]
	if !lo0.HasOSPF() || lo0.OSPFProcessID != 1 || lo0.OSPFArea != 0 {
		t.Fatalf("Loopback0 ospf = pid %d area %d", lo0.OSPFProcessID, lo0.OSPFArea)
	}

	proc := parsed.OSPFProcesses[1]
	if proc == nil {
		t.Fatal("ospf process 1 not parsed")
	}
	if proc.RouterID != "10.255.255.1" {
		t.Fatalf("router-id = %q", proc.RouterID)
	}
	wantStmts := []NetworkStatement{
		{Network: "10.1.12.0", Wildcard: "0.0.0.3", Area: 0},
		{Network: "10.1.13.0", Wildcard: "0.0.0.3", Area: 0},
	}
	if !reflect.DeepEqual(proc.NetworkStatements, wantStmts) {
		t.Fatalf("network statements = %+v", proc.NetworkStatements)
	}
	if len(proc.PassiveInterfaces) != 1 || proc.PassiveInterfaces[0] != "GigabitEthernet1" {
		t.Fatalf("passive interfaces = %v", proc.PassiveInterfaces)
	}

	if !parsed.EnableSecretPresent || parsed.EnableSecretType != 8 {
		t.Fatalf("enable secret present=%v type=%d", parsed.EnableSecretPresent, parsed.EnableSecretType)
	}

	admin := parsed.Users["admin"]
	if admin == nil || admin.Privilege == nil || *admin.Privilege != 15 || admin.SecretType != 8 {
		t.Fatalf("admin user = %+v", admin)
	}
	monitor := parsed.Users["monitor"]
	if monitor == nil || monitor.Privilege != nil || monitor.SecretType != 9 {
		t.Fatalf("monitor user = %+v", monitor)
	}

	acl := parsed.AccessLists["EDGE-IN"]
	if acl == nil || acl.Type != "extended" {
		t.Fatalf("EDGE-IN acl = %+v", acl)
	}
	if len(acl.Rules) != 2 {
		t.Fatalf("EDGE-IN rules = %+v", acl.Rules)
	}
	if acl.Rules[0].Action != "deny" || acl.Rules[0].Protocol != "tcp" || acl.Rules[0].Destination != "any eq 445 log" {
		t.Fatalf("rule 0 = %+v", acl.Rules[0])
	}

	gi4 := parsed.Interfaces["GigabitEthernet4"]
	if gi4.ACLIn != "EDGE-IN" || gi4.ACLOut != "" {
		t.Fatalf("GigabitEthernet4 acl in=%q out=%q", gi4.ACLIn, gi4.ACLOut)
	}
}

func TestParseStripsPreambleAndPrompt(t *testing.T) {
	parsed := ParseRunningConfig(routerConfig)
	// The echoed "Router-1#show running-config" line must not leak into
	// the parse as config content, and the trailing prompt must not
	// produce a phantom section.
	if _, ok := parsed.Interfaces["Router-1#show"]; ok {
		t.Fatal("prompt echo leaked into interfaces")
	}
	if len(parsed.InterfaceOrder) != 5 {
		t.Fatalf("interface count = %d", len(parsed.InterfaceOrder))
	}
}

func TestParseWithoutBanner(t *testing.T) {
	raw := "!\nhostname Edge\n!\ninterface GigabitEthernet1\n ip address 10.0.0.1 255.255.255.0\n!\nend\n"
	parsed := ParseRunningConfig(raw)
	if parsed.Hostname != "Edge" {
		t.Fatalf("hostname = %q", parsed.Hostname)
	}
	if parsed.Interfaces["GigabitEthernet1"].IPAddress != "10.0.0.1" {
		t.Fatal("interface not parsed")
	}
}

func TestParseIgnoresUnknownLines(t *testing.T) {
	raw := `!
hostname R1
!
ntp server 10.0.0.1
logging buffered 16384
interface GigabitEthernet1
 ip address 10.0.0.2 255.255.255.0
 carrier-delay msec 0
!
end`
	parsed := ParseRunningConfig(raw)
	if parsed.Hostname != "R1" {
		t.Fatalf("hostname = %q", parsed.Hostname)
	}
	if got := parsed.Interfaces["GigabitEthernet1"].IPAddress; got != "10.0.0.2" {
		t.Fatalf("ip = %q", got)
	}
}

func TestSectionPopOnBang(t *testing.T) {
	raw := `!
hostname R1
interface GigabitEthernet1
 ip address 10.0.0.1 255.255.255.0
!
 ip address 10.9.9.9 255.255.255.0
end`
	parsed := ParseRunningConfig(raw)
	// The second ip address line sits outside any section and must be
	// ignored rather than attributed to GigabitEthernet1.
	if got := parsed.Interfaces["GigabitEthernet1"].IPAddress; got != "10.0.0.1" {
		t.Fatalf("ip = %q, want 10.0.0.1", got)
	}
}

func TestIPInNetwork(t *testing.T) {
	tests := []struct {
		ip, network, wildcard string
		want                  bool
	}{
		{"10.1.12.1", "10.1.12.0", "0.0.0.3", true},
		{"10.1.12.4", "10.1.12.0", "0.0.0.3", false},
		{"10.255.255.1", "10.255.255.1", "0.0.0.0", true},
		{"10.255.255.2", "10.255.255.1", "0.0.0.0", false},
		{"10.1.99.7", "10.1.0.0", "0.0.255.255", true},
		{"10.2.0.1", "10.1.0.0", "0.0.255.255", false},
	}
	for _, tt := range tests {
		if got := IPInNetwork(tt.ip, tt.network, tt.wildcard); got != tt.want {
			t.Errorf("IPInNetwork(%s, %s, %s) = %v, want %v", tt.ip, tt.network, tt.wildcard, got, tt.want)
		}
	}
}

func TestOSPFInterfaces(t *testing.T) {
	parsed := ParseRunningConfig(routerConfig)
	areas := OSPFInterfaces(parsed, 0)

	// Loopback0 is interface-level; GigabitEthernet2 is covered by the
	// 10.1.12.0/0.0.0.3 network statement; GigabitEthernet3 by 10.1.13.0.
	want := map[string]int{
		"Loopback0":        0,
		"GigabitEthernet2": 0,
		"GigabitEthernet3": 0,
	}
	if !reflect.DeepEqual(areas, want) {
		t.Fatalf("OSPFInterfaces = %v, want %v", areas, want)
	}

	if got := OSPFInterfaces(parsed, 99); len(got) != 0 {
		t.Fatalf("OSPFInterfaces(99) = %v, want empty", got)
	}
}
