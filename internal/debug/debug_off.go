//go:build !debug

// Package debug provides build-tag-gated assertions, compiled away to
// no-ops unless built with `-tags debug`.
package debug

func Assert(_ bool, _ ...any)            {}
func Assertf(_ bool, _ string, _ ...any) {}
func AssertNoErr(_ error)                {}
func AssertFunc(_ func() bool, _ ...any) {}
func ON() bool                           { return false }
