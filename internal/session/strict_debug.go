//go:build cuecalldebug

package session

// debugBuild turns on strict invariant checking for every session.
const debugBuild = true
