// Copyright © 2024 The seedlink-relay authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the version of seedlink-relay.
var Version = "unset"

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of seedlink-relay",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("seedlink-relay version %s\n", Version)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
