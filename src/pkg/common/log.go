package common

// LSN is a log sequence number. Assigned LSNs start at 1.
type LSN int64

// NilLSN means "no log record describes this change".
const NilLSN LSN = -1
