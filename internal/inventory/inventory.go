// Package inventory loads the device list the pipeline operates on.
package inventory

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// DefaultSSHPort is used when a row does not carry a port column.
const DefaultSSHPort = 22

// Device is one input row: a router the pipeline may connect to.
type Device struct {
	Address  string
	Hostname string
	Role     string
	Region   string
	Port     int
}

// Target returns the address:port dial string for the device.
func (d Device) Target() string {
	return fmt.Sprintf("%s:%d", d.Address, d.Port)
}

// LoadCSV reads a device inventory. The header must contain `address`;
// `hostname`, `role`, `region` and `port` are optional, additional columns
// are ignored. Hostnames are synthesized from the address when absent.
// Duplicate addresses are an error.
func LoadCSV(path string) ([]Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening inventory: %w", err)
	}
	defer f.Close()

	devices, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing inventory %s: %w", path, err)
	}
	return devices, nil
}

// Parse reads inventory rows from r.
func Parse(r io.Reader) ([]Device, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	addrIdx, ok := col["address"]
	if !ok {
		return nil, fmt.Errorf("inventory header is missing the address column")
	}

	field := func(row []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	var devices []Device
	seen := make(map[string]bool)
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		address := strings.TrimSpace(row[addrIdx])
		if address == "" {
			continue
		}
		if seen[address] {
			return nil, fmt.Errorf("line %d: duplicate address %s", line, address)
		}
		seen[address] = true

		d := Device{
			Address:  address,
			Hostname: field(row, "hostname"),
			Role:     field(row, "role"),
			Region:   field(row, "region"),
			Port:     DefaultSSHPort,
		}
		if d.Hostname == "" {
			// Routers addressed by IP get a synthetic, stable hostname.
			d.Hostname = strings.ReplaceAll(address, ".", "-")
		}
		if p := field(row, "port"); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil || port < 1 || port > 65535 {
				return nil, fmt.Errorf("line %d: invalid port %q", line, p)
			}
			d.Port = port
		}

		devices = append(devices, d)
	}

	return devices, nil
}
