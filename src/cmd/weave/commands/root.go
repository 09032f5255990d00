package commands

import (
	"github.com/spf13/cobra"

	"github.com/purpleprotocol/weave/src/config"
)

var (
	_config = config.NewDefaultConfig()
)

// RootCmd is the root command for weave
var RootCmd = &cobra.Command{
	Use:              "weave",
	Short:            "weave causal ledger",
	TraverseChildren: true,
}
