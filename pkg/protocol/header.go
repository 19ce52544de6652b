package protocol

// Protocol version advertised in hello.
const Version uint8 = 1

// ControlService is the reserved service name for the mesh control protocol.
// Frames with an empty service name are treated the same way.
const ControlService = "DRP"

// Frame types
const (
	FrameCmd    = "cmd"
	FrameReply  = "reply"
	FrameStream = "stream"
)

// Status is carried by reply and stream frames.
type Status int

const (
	StatusFailure  Status = 0
	StatusSuccess  Status = 1
	StatusContinue Status = 2 // stream data, more to come
)

func (s Status) String() string {
	switch s {
	case StatusFailure:
		return "failure"
	case StatusSuccess:
		return "success"
	case StatusContinue:
		return "continue"
	default:
		return "unknown"
	}
}

// NoMethodMessage is the failure payload for an unregistered command.
const NoMethodMessage = "Endpoint does not have method"

// Control-protocol commands.
const (
	CmdHello                        = "hello"
	CmdRegisterNode                 = "registerNode"
	CmdUnregisterNode               = "unregisterNode"
	CmdGetDeclarations              = "getDeclarations"
	CmdGetRegistry                  = "getRegistry"
	CmdGetNodeDeclaration           = "getNodeDeclaration"
	CmdSubscribe                    = "subscribe"
	CmdUnsubscribe                  = "unsubscribe"
	CmdPathCmd                      = "pathCmd"
	CmdConnectToNode                = "connectToNode"
	CmdGetClassRecords              = "getClassRecords"
	CmdListClassInstances           = "listClassInstances"
	CmdListServiceInstances         = "listServiceInstances"
	CmdGetClassDefinitions          = "getClassDefinitions"
	CmdListClassInstanceDefinitions = "listClassInstanceDefinitions"
	CmdSendToTopic                  = "sendToTopic"
	CmdGetCmds                      = "getCmds"
	CmdGetTopicHistory              = "getTopicHistory"
)

// RegistryUpdateTopic carries registration events.
const RegistryUpdateTopic = "RegistryUpdate"
