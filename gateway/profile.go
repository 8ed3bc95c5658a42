package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Default call timeouts. Evaluate is a single-peer read; commit status spans
// endorsement, ordering and block propagation.
const (
	defaultEvaluateTimeout     = 30 * time.Second
	defaultEndorseTimeout      = 30 * time.Second
	defaultSubmitTimeout       = 30 * time.Second
	defaultCommitStatusTimeout = 300 * time.Second
)

// Profile is the network topology descriptor: where the peers are, which
// channel and chaincode to bind, and how discovery-advertised addresses map
// to reachable ones.
type Profile struct {
	Organization string    `json:"organization"`
	MSPID        string    `json:"mspId"`
	Channel      string    `json:"channel"`
	Chaincode    string    `json:"chaincode"`
	Discovery    Discovery `json:"discovery"`
	Peers        []Peer    `json:"peers"`
	Timeouts     Timeouts  `json:"timeouts"`
}

// Discovery controls the first connect phase. Peers advertise the addresses
// they know themselves by, which in containerized deployments are often not
// reachable from outside; overrides remap them.
type Discovery struct {
	Enabled          bool              `json:"enabled"`
	AddressOverrides []AddressOverride `json:"addressOverrides"`
}

// AddressOverride remaps one advertised address to a reachable one.
type AddressOverride struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Apply returns the reachable form of an advertised address.
func (d Discovery) Apply(address string) string {
	for _, o := range d.AddressOverrides {
		if o.From == address {
			return o.To
		}
	}
	return address
}

// Peer is one gateway peer of the organization.
type Peer struct {
	Name               string `json:"name"`
	Address            string `json:"address"`  // as advertised by discovery
	Endpoint           string `json:"endpoint"` // statically configured fallback
	TLSCACertPath      string `json:"tlsCaCertPath"`
	ServerNameOverride string `json:"serverNameOverride"`
}

// Timeouts carries the per-phase call timeouts as Go duration strings.
type Timeouts struct {
	Evaluate     string `json:"evaluate"`
	Endorse      string `json:"endorse"`
	Submit       string `json:"submit"`
	CommitStatus string `json:"commitStatus"`
}

func parseTimeout(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func (t Timeouts) durations() (evaluate, endorse, submit, commitStatus time.Duration) {
	evaluate = parseTimeout(t.Evaluate, defaultEvaluateTimeout)
	endorse = parseTimeout(t.Endorse, defaultEndorseTimeout)
	submit = parseTimeout(t.Submit, defaultSubmitTimeout)
	commitStatus = parseTimeout(t.CommitStatus, defaultCommitStatusTimeout)
	return
}

// LoadProfile reads and validates a connection profile document.
func LoadProfile(filename string) (*Profile, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read connection profile: %w", err)
	}

	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse connection profile: %w", err)
	}

	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// Validate checks the profile is usable for connecting.
func (p *Profile) Validate() error {
	if p.Channel == "" {
		return fmt.Errorf("connection profile missing channel")
	}
	if p.Chaincode == "" {
		return fmt.Errorf("connection profile missing chaincode")
	}
	if len(p.Peers) == 0 {
		return fmt.Errorf("connection profile lists no peers")
	}
	for i, peer := range p.Peers {
		if peer.Endpoint == "" {
			return fmt.Errorf("peer %d (%s) missing static endpoint", i, peer.Name)
		}
		if peer.Address == "" {
			// Without an advertised address the static endpoint doubles as one.
			p.Peers[i].Address = peer.Endpoint
		}
	}
	return nil
}
