// Copyright 2024 The NVMe Host Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package linuxmem

import "sync/atomic"

var fenceWord int32

// atomicFence issues a full memory barrier. Go's memory model guarantees
// that atomic operations are sequentially consistent with respect to each
// other, so a throwaway atomic add is sufficient to order all
// preceding loads/stores against all following ones without pulling in
// architecture-specific assembly, matching spec.md §9's note that cache
// maintenance degenerates to a fence on coherent platforms.
func atomicFence() {
	atomic.AddInt32(&fenceWord, 1)
}
