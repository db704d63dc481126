package protocol

// Command names understood by the worker process.
const (
	CmdStartInstance     = "start_instance"
	CmdTerminateInstance = "terminate_instance"
	CmdExit              = "exit"
)

// RequestStop is the request type posted to instances when the worker
// disconnects. Other request types are defined by the instance owner.
const RequestStop = "stop"

// Command is one outbound instruction to the worker process. Each command is
// written to the worker's stdin as a single self-contained JSON document.
type Command struct {
	Cmd      string        `json:"cmd"`
	ID       string        `json:"id,omitempty"`       // terminate_instance only
	Instance *InstanceDesc `json:"instance,omitempty"` // start_instance only
}

// InstanceDesc is the serialized description of an instance, embedded in a
// start_instance command. It is produced by the instance collaborator.
type InstanceDesc struct {
	ID             string            `json:"id"`
	SessionKey     string            `json:"session_key"`
	RuntimeVersion string            `json:"runtime_version"`
	Tokens         map[string]string `json:"tokens,omitempty"`
}

// Request is one inbound document from the worker. The session core validates
// framing only; the request schema is interpreted by the instance owner.
type Request struct {
	Type       string         `json:"type"`
	InstanceID string         `json:"instance_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// StartInstance builds a start_instance command embedding the instance description.
func StartInstance(desc *InstanceDesc) *Command {
	return &Command{Cmd: CmdStartInstance, Instance: desc}
}

// TerminateInstance builds a terminate_instance command for the given instance ID.
func TerminateInstance(id string) *Command {
	return &Command{Cmd: CmdTerminateInstance, ID: id}
}

// Exit builds the exit command that asks the worker to shut down.
func Exit() *Command {
	return &Command{Cmd: CmdExit}
}
