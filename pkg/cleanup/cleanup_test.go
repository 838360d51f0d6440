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

package cleanup

import "testing"

func TestClean(t *testing.T) {
	var calls []int
	cu := Make(func() { calls = append(calls, 1) })
	cu.Add(func() { calls = append(calls, 2) })
	cu.Add(func() { calls = append(calls, 3) })
	cu.Clean()

	// Acquisition order 1, 2, 3 must unwind as 3, 2, 1.
	if len(calls) != 3 || calls[0] != 3 || calls[1] != 2 || calls[2] != 1 {
		t.Errorf("cleanup ran as %v, want [3 2 1]", calls)
	}

	// A second Clean is a no-op.
	cu.Clean()
	if len(calls) != 3 {
		t.Errorf("repeated Clean ran cleaners again: %v", calls)
	}
}

func TestRelease(t *testing.T) {
	var calls []int
	doClean := func() func() {
		cu := Make(func() { calls = append(calls, 1) })
		defer cu.Clean()
		cu.Add(func() { calls = append(calls, 2) })
		return cu.Release()
	}
	deferred := doClean()

	// Release disarms the deferred Clean.
	if len(calls) != 0 {
		t.Fatalf("released cleanup still ran: %v", calls)
	}

	// The returned function runs the disarmed cleaners.
	deferred()
	if len(calls) != 2 || calls[0] != 2 || calls[1] != 1 {
		t.Errorf("released cleanup ran as %v, want [2 1]", calls)
	}
}
