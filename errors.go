package kissmalloc

import "errors"

// ErrOutOfMemory is returned in place of the C ENOMEM errno convention:
// the kernel refused a mapping needed to satisfy a user-visible allocation.
var ErrOutOfMemory = errors.New("kissmalloc: out of memory")

// ErrInvalidAlignment is returned in place of EINVAL by PosixMemalign and
// its thin wrappers when the requested alignment is not a positive power of
// two or not a multiple of the pointer size. Malloc, Calloc, Realloc,
// Valloc and PosixMemalign also return it for a negative size.
var ErrInvalidAlignment = errors.New("kissmalloc: invalid alignment")
