//go:build !cuecalldebug

package session

const debugBuild = false
