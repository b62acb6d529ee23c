package llms

type StreamingPromptOptions struct {
	Instructions string
	Turns        []Turn
	Tools        []Tool
}

type StreamingPromptOption func(*StreamingPromptOptions)

func WithInstructions(instructions string) StreamingPromptOption {
	return func(o *StreamingPromptOptions) {
		o.Instructions = instructions
	}
}

func WithTurns(turns ...Turn) StreamingPromptOption {
	return func(o *StreamingPromptOptions) {
		o.Turns = append(o.Turns, turns...)
	}
}

func WithTools(tools ...Tool) StreamingPromptOption {
	return func(o *StreamingPromptOptions) {
		o.Tools = append(o.Tools, tools...)
	}
}
