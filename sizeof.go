// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tasksched

// sizeOfCacheLine is used to pad hot atomic fields apart so independent
// goroutines spinning on different flags don't false-share a cache line.
// 128 covers both common x86-64 (64B, sometimes prefetched in pairs) and
// Apple Silicon / other ARM64 parts.
const sizeOfCacheLine = 128

const sizeOfAtomicUint64 = 8
