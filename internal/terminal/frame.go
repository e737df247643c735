package terminal

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame wraps server frames that cannot be decoded.
var ErrMalformedFrame = errors.New("malformed terminal frame")

// Client frame types.
const (
	frameStart  = "start"
	frameInput  = "input"
	frameResize = "resize"
	frameStop   = "stop"
	framePing   = "ping"
)

// Server frame types.
const (
	frameHistory = "history"
	frameData    = "data"
	frameExit    = "exit"
)

// Viewport is the terminal size in character cells.
type Viewport struct {
	Rows int
	Cols int
}

type clientFrame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Rows int    `json:"rows,omitempty"`
	Cols int    `json:"cols,omitempty"`
}

type serverFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Code int    `json:"code"`
}

func encodeFrame(f clientFrame) []byte {
	b, _ := json.Marshal(f)
	return b
}

func startFrame(vp Viewport) []byte {
	return encodeFrame(clientFrame{Type: frameStart, Rows: vp.Rows, Cols: vp.Cols})
}

func resizeFrame(vp Viewport) []byte {
	return encodeFrame(clientFrame{Type: frameResize, Rows: vp.Rows, Cols: vp.Cols})
}

func inputFrame(data string) []byte {
	return encodeFrame(clientFrame{Type: frameInput, Data: data})
}

func parseFrame(raw []byte) (serverFrame, error) {
	var f serverFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return serverFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return serverFrame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return f, nil
}
