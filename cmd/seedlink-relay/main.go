// Copyright © 2024 The seedlink-relay authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package main

import "github.com/nlseis/seedlink-relay/cmd/seedlink-relay/commands"

func main() {
	commands.Execute()
}
