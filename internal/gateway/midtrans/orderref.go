package midtrans

import (
	"fmt"

	"github.com/MarkoPoloResearchLab/storycoins/pkg/coins"
	"github.com/bwmarrin/snowflake"
)

const orderRefFormat = "HUNT-%s-%s"

// OrderRefGenerator mints HUNT-<package>-<snowflake> order references.
type OrderRefGenerator struct {
	node *snowflake.Node
}

// NewOrderRefGenerator returns a generator for the given snowflake node (0-1023).
func NewOrderRefGenerator(nodeID int64) (*OrderRefGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: snowflake node %d: %v", coins.ErrInvalidServiceConfig, nodeID, err)
	}
	return &OrderRefGenerator{node: node}, nil
}

// Next returns a fresh order reference for coinPackage. Plug it in with coins.WithOrderRefGenerator.
func (generator *OrderRefGenerator) Next(coinPackage coins.CoinPackage) (coins.OrderRef, error) {
	return coins.NewOrderRef(fmt.Sprintf(orderRefFormat, coinPackage.PackageID, generator.node.Generate().String()))
}
