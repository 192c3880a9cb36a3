package persistence

// Event kinds the dispatcher understands. Anything else is unroutable.
const (
	EventKindNewInboundMessage   = "new_inbound_message"
	EventKindSendOutboundMessage = "send_outbound_message"
)

// Task kinds the worker executes. The set is closed; unknown kinds fail
// immediately.
const (
	TaskKindHandleUserMessage    = "handle_user_message"
	TaskKindExecuteChannelSend   = "execute_channel_send"
	TaskKindRunProfilingAnalysis = "run_profiling_analysis"
)
