// Package binary defines the data model shared by every part of the binary
// manager: binary states and their legal transitions, slot and kernel
// records, subscriptions, fault reports and the typed error used across the
// module.
//
// The package has no behavior beyond validation. Storage lives in
// internal/registry; transitions are driven by internal/lifecycle.
package binary
