// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

//go:build linux

package affinity

import (
	"fmt"
	"log"
	"runtime"

	"golang.org/x/sys/unix"
)

// Pin locks the calling goroutine to its OS thread and binds that thread to
// the given core via sched_setaffinity(2) (pid 0 targets the caller). Call
// from the worker goroutine itself, at the top of its loop. With core ==
// Unset the call is a no-op; the goroutine is not locked.
func Pin(core int, name string) error {
	if core == Unset {
		return nil
	}
	if core < 0 || core >= runtime.NumCPU() {
		return fmt.Errorf("affinity: core %d out of range [0, %d)", core, runtime.NumCPU())
	}

	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("affinity: sched_setaffinity %s core %d: %w", name, core, err)
	}
	log.Printf("affinity: %s pinned to core %d", name, core)
	return nil
}
