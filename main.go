// Copyright 2024 Andrew Dunstall. All rights reserved.
//
// Use of this source code is governed by a MIT style license that can be
// found in the LICENSE file.

package main

import (
	"os"

	"github.com/jrydberg/nesoi/cli"
)

func main() {
	if err := cli.Start(); err != nil {
		os.Exit(1)
	}
}
