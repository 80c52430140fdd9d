// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Turntable - photography turntable host
//
// A CLI tool for driving a stepper turntable over its serial protocol and
// taking equally spaced photo series with a tethered camera.

package main

import (
	"os"

	"github.com/Thermoquad/turntable/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
