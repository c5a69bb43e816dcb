package adapter

// State is a point in the adapter session state machine (spec §4.2):
//
//	Disconnected --Connect()--> Connecting
//	Connecting   --ok--> Connected
//	Connecting   --fail--> Error --[backoff]--> Connecting
//	Connected    --heartbeat fail / wire error--> Error
//	Connected    --Disconnect()--> Disconnected
//	any          --Shutdown--> terminal (Disconnected)
type State string

const (
	StateDisconnected  State = "Disconnected"
	StateConnecting    State = "Connecting"
	StateConnected     State = "Connected"
	StateError         State = "Error"
	StateShuttingDown  State = "ShuttingDown"
)
