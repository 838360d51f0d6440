// Copyright 2025 The dvas Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bits provides power-of-two helpers shared by the address-space
// allocator and the mapping layer.
package bits

import (
	"math/bits"
)

// IsPow2 returns true if x is a power of two.
func IsPow2(x uint64) bool {
	return x != 0 && x&(x-1) == 0
}

// RoundUpPow2 returns the smallest power of two >= x.
//
// Preconditions: 0 < x <= 1<<63.
func RoundUpPow2(x uint64) uint64 {
	return uint64(1) << OrderCeil(x)
}

// Order returns the binary log of the largest power of two <= x.
//
// Preconditions: x > 0.
func Order(x uint64) int {
	return 63 - bits.LeadingZeros64(x)
}

// OrderCeil returns the binary log of the smallest power of two >= x.
//
// Preconditions: x > 0.
func OrderCeil(x uint64) int {
	if IsPow2(x) {
		return Order(x)
	}
	return Order(x) + 1
}
