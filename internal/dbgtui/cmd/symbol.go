package cmd

import "github.com/ianlancetaylor/demangle"

// prettySymbol demangles a frame's function name for display, falling back
// to the raw name when the symbol is not mangled.
func prettySymbol(name string) string {
	if name == "" {
		return "?"
	}
	if out := demangle.Filter(name); out != "" {
		return out
	}
	return name
}
