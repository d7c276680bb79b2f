package llm

import "fmt"

// Frame is one message of a decode or infer stream. Exactly one field is set.
// A stream ends with exactly one Epilogue or Error frame.
type Frame struct {
	DecodeProgress *float64    `json:"decodeProgress,omitempty"`
	TokenText      *string     `json:"tokenText,omitempty"`
	Error          *FrameError `json:"error,omitempty"`
	Epilogue       *Epilogue   `json:"epilogue,omitempty"`
}

// FrameError is the terminal failure frame.
type FrameError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Epilogue is the terminal success frame.
type Epilogue struct {
	SessionID string `json:"sessionId"`
	Usage     Usage  `json:"usage"`
}

// Terminal reports whether f ends the stream.
func (f Frame) Terminal() bool {
	return f.Error != nil || f.Epilogue != nil
}

func ProgressFrame(p float64) Frame  { return Frame{DecodeProgress: &p} }
func TokenFrame(text string) Frame   { return Frame{TokenText: &text} }
func ErrorFrame(e *FrameError) Frame { return Frame{Error: e} }
func EpilogueFrame(e Epilogue) Frame { return Frame{Epilogue: &e} }
