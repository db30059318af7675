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

//go:build !linux

package affinity

import "fmt"

// Pin is a no-op with core == Unset and reports an error otherwise: thread
// affinity is only wired up on Linux.
func Pin(core int, name string) error {
	if core == Unset {
		return nil
	}
	return fmt.Errorf("affinity: pinning %s to core %d: not supported on this platform", name, core)
}
