package enums

import "fmt"

// Network identifies the chain a reward transfer settles on.
type Network string

const (
	NetworkEthereum  Network = "ethereum"
	NetworkPolygon   Network = "polygon"
	NetworkArbitrum  Network = "arbitrum"
	NetworkBSC       Network = "bsc"
	NetworkAvalanche Network = "avalanche"
)

var validNetworks = []Network{
	NetworkEthereum,
	NetworkPolygon,
	NetworkArbitrum,
	NetworkBSC,
	NetworkAvalanche,
}

// IsValid reports whether the value matches a supported network.
func (n Network) IsValid() bool {
	for _, candidate := range validNetworks {
		if candidate == n {
			return true
		}
	}
	return false
}

// ParseNetwork converts raw input into Network.
func ParseNetwork(value string) (Network, error) {
	for _, candidate := range validNetworks {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid network %q", value)
}
