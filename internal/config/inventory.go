package config

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyProfile tunes per-customer escalation behavior.
type PolicyProfile string

const (
	ProfileDefault PolicyProfile = "default"
	ProfileStrict  PolicyProfile = "strict"
	ProfileRelaxed PolicyProfile = "relaxed"
)

// PortSet holds allowed destination ports per transport protocol.
type PortSet struct {
	TCP []uint16 `yaml:"tcp"`
	UDP []uint16 `yaml:"udp"`
}

// ForProtocol returns the allowed ports for an IP protocol number. Protocols
// other than TCP and UDP carry no port semantics and return nil.
func (p PortSet) ForProtocol(protocol uint8) []uint16 {
	switch protocol {
	case 6:
		return p.TCP
	case 17:
		return p.UDP
	}
	return nil
}

// Asset is a single protected IP belonging to a service.
type Asset struct {
	IP   string `yaml:"ip"`
	Role string `yaml:"role,omitempty"`
}

// Service groups assets with their allowed ports.
type Service struct {
	ServiceID    string  `yaml:"service_id"`
	Name         string  `yaml:"name"`
	AllowedPorts PortSet `yaml:"allowed_ports"`
	Assets       []Asset `yaml:"assets"`
}

// Customer is one inventory tenant.
type Customer struct {
	CustomerID    string        `yaml:"customer_id"`
	Name          string        `yaml:"name"`
	PolicyProfile PolicyProfile `yaml:"policy_profile"`
	Prefixes      []string      `yaml:"prefixes"`
	Services      []Service     `yaml:"services"`
}

// Owner is the result of an ownership lookup for a victim IP.
type Owner struct {
	CustomerID    string
	ServiceID     string
	PolicyProfile PolicyProfile
	AllowedPorts  PortSet
}

// Inventory is the parsed inventory.yaml plus a precomputed IP index so that
// owner lookups are O(1) on the ingest path.
type Inventory struct {
	Customers map[string]*Customer

	byIP map[netip.Addr]Owner
}

type inventoryFile struct {
	Customers []Customer `yaml:"customers"`
}

// LoadInventory parses and indexes inventory.yaml.
func LoadInventory(path string) (*Inventory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	return ParseInventory(raw)
}

// ParseInventory parses inventory YAML and builds the IP index.
func ParseInventory(raw []byte) (*Inventory, error) {
	var f inventoryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	inv := &Inventory{
		Customers: make(map[string]*Customer, len(f.Customers)),
		byIP:      make(map[netip.Addr]Owner),
	}

	for i := range f.Customers {
		c := &f.Customers[i]
		if c.CustomerID == "" {
			return nil, fmt.Errorf("inventory: customer[%d] missing customer_id", i)
		}
		if _, dup := inv.Customers[c.CustomerID]; dup {
			return nil, fmt.Errorf("inventory: duplicate customer_id %q", c.CustomerID)
		}
		if c.PolicyProfile == "" {
			c.PolicyProfile = ProfileDefault
		}
		switch c.PolicyProfile {
		case ProfileDefault, ProfileStrict, ProfileRelaxed:
		default:
			return nil, fmt.Errorf("inventory: customer %q has invalid policy_profile %q", c.CustomerID, c.PolicyProfile)
		}
		for _, prefix := range c.Prefixes {
			if _, err := netip.ParsePrefix(prefix); err != nil {
				return nil, fmt.Errorf("inventory: customer %q has invalid prefix %q: %w", c.CustomerID, prefix, err)
			}
		}
		for si := range c.Services {
			svc := &c.Services[si]
			if svc.ServiceID == "" {
				return nil, fmt.Errorf("inventory: customer %q service[%d] missing service_id", c.CustomerID, si)
			}
			for _, asset := range svc.Assets {
				addr, err := netip.ParseAddr(asset.IP)
				if err != nil {
					return nil, fmt.Errorf("inventory: service %q has invalid asset ip %q: %w", svc.ServiceID, asset.IP, err)
				}
				if prior, dup := inv.byIP[addr]; dup {
					return nil, fmt.Errorf("inventory: ip %s assigned to both %s/%s and %s/%s",
						asset.IP, prior.CustomerID, prior.ServiceID, c.CustomerID, svc.ServiceID)
				}
				inv.byIP[addr] = Owner{
					CustomerID:    c.CustomerID,
					ServiceID:     svc.ServiceID,
					PolicyProfile: c.PolicyProfile,
					AllowedPorts:  svc.AllowedPorts,
				}
			}
		}
		inv.Customers[c.CustomerID] = c
	}

	return inv, nil
}

// OwnerOf looks up the owner of a victim IP.
func (inv *Inventory) OwnerOf(ip netip.Addr) (Owner, bool) {
	o, ok := inv.byIP[ip]
	return o, ok
}

// IsOwned reports whether ip belongs to a known service.
func (inv *Inventory) IsOwned(ip netip.Addr) bool {
	_, ok := inv.byIP[ip]
	return ok
}

// AssetCount returns the number of indexed IPs.
func (inv *Inventory) AssetCount() int {
	return len(inv.byIP)
}
