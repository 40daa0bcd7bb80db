package agent

// ComputerUseConfig describes the display geometry a tool exposes for
// Anthropic's computer-use beta so the provider can request that beta
// capability and frame tool-use coordinates correctly.
type ComputerUseConfig struct {
	DisplayWidthPx  int
	DisplayHeightPx int
	DisplayNumber   int
}

// ComputerUseConfigProvider is an optional interface a registered tool can
// implement to opt into the computer-use beta; most tools don't.
type ComputerUseConfigProvider interface {
	ComputerUseConfig() *ComputerUseConfig
}
