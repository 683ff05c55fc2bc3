package store

import "time"

// fixedTime is a stable timestamp shared by the repository tests in this
// package so row fixtures don't depend on wall-clock time.
var fixedTime = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
