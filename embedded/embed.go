package embedded

import (
	_ "embed"
)

//go:embed layout.json
var layout []byte

// Layout returns the embedded STM32F407VE flash layout document.
func Layout() []byte {
	return layout
}
