// Copyright © 2018 One Concern

package main

import (
	"github.com/oneconcern/capstore/cmd/capvol/cmd"
)

func main() {
	cmd.Execute()
}
