// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "singlet"

func main() {
	singlet.Main()
}
