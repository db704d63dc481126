package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeCommand serializes a Command to JSON and writes it to w as one
// newline-terminated document.
// Returns an error if the command is invalid or the write fails.
func EncodeCommand(w io.Writer, cmd *Command) error {
	if err := validateCommand(cmd); err != nil {
		return err
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(cmd); err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}

	return nil
}

func validateCommand(cmd *Command) error {
	switch cmd.Cmd {
	case CmdStartInstance:
		if cmd.Instance == nil {
			return fmt.Errorf("start_instance command missing instance description")
		}
		if cmd.Instance.ID == "" {
			return fmt.Errorf("start_instance command has empty instance id")
		}
	case CmdTerminateInstance:
		if cmd.ID == "" {
			return fmt.Errorf("terminate_instance command missing id")
		}
	case CmdExit:
		// No operands.
	default:
		return fmt.Errorf("unknown command: %q", cmd.Cmd)
	}
	return nil
}

// Decoder reads a stream of inbound Request documents from the worker.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder wraps r in a streaming request decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Next blocks until one complete request document has been read. It returns
// io.EOF when the stream ends cleanly, or a decode error on malformed input.
func (d *Decoder) Next() (*Request, error) {
	var req Request
	if err := d.dec.Decode(&req); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}

	if req.Type == "" {
		return nil, fmt.Errorf("request missing required field: type")
	}

	return &req, nil
}
