package inventory

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	csv := `address,hostname,role,region,owner
192.0.2.10,edge1.ams,transit,eu,neteng
192.0.2.11,,peering,us,neteng
`
	devices, err := Parse(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if len(devices) != 2 {
		t.Fatalf("device count = %d, want 2", len(devices))
	}

	if devices[0].Hostname != "edge1.ams" || devices[0].Role != "transit" {
		t.Errorf("devices[0] = %+v", devices[0])
	}
	if devices[0].Port != DefaultSSHPort {
		t.Errorf("default port = %d, want %d", devices[0].Port, DefaultSSHPort)
	}

	// Hostname synthesized from address.
	if devices[1].Hostname != "192-0-2-11" {
		t.Errorf("synthesized hostname = %s, want 192-0-2-11", devices[1].Hostname)
	}
}

func TestParsePortColumn(t *testing.T) {
	csv := "address,port\n192.0.2.10,2222\n"
	devices, err := Parse(strings.NewReader(csv))
	if err != nil {
		t.Fatal(err)
	}
	if devices[0].Port != 2222 {
		t.Errorf("port = %d, want 2222", devices[0].Port)
	}
	if devices[0].Target() != "192.0.2.10:2222" {
		t.Errorf("target = %s", devices[0].Target())
	}
}

func TestParseInvalidPort(t *testing.T) {
	csv := "address,port\n192.0.2.10,ssh\n"
	if _, err := Parse(strings.NewReader(csv)); err == nil {
		t.Error("expected error for non-numeric port")
	}
}

func TestParseDuplicateAddress(t *testing.T) {
	csv := "address\n192.0.2.10\n192.0.2.10\n"
	if _, err := Parse(strings.NewReader(csv)); err == nil {
		t.Error("expected error for duplicate address")
	}
}

func TestParseMissingAddressColumn(t *testing.T) {
	csv := "hostname,role\nedge1,transit\n"
	if _, err := Parse(strings.NewReader(csv)); err == nil {
		t.Error("expected error for missing address column")
	}
}

func TestParseSkipsBlankRows(t *testing.T) {
	csv := "address,hostname\n192.0.2.10,edge1\n,\n"
	devices, err := Parse(strings.NewReader(csv))
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 {
		t.Errorf("device count = %d, want 1", len(devices))
	}
}
