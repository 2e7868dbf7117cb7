// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package patch

// Fuzz exercises Parse against arbitrary input, in the legacy go-fuzz
// harness shape used throughout this module (see varint/fuzz.go,
// zucchini/fuzz.go).
func Fuzz(data []byte) int {
	if _, err := Parse(data); err == nil {
		return 1
	}
	return 0
}
