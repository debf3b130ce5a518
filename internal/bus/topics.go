package bus

// Topic names shared by the agent's components. Producers and consumers
// agree on these strings; equality is exact match, no wildcards.
const (
	// TopicPluginEvent carries plugin.PluginEvent values emitted by
	// trigger plugins via the manager's emit path.
	TopicPluginEvent = "plugin.event"

	// TopicServerTool carries cloud.ToolTask values decoded from
	// server pushes on the streaming channel.
	TopicServerTool = "server.tool"

	// TopicServerConnected fires after the connect/subscribe sequence
	// completes. Data: map with "state".
	TopicServerConnected = "server.connected"

	// TopicServerDisconnected fires on any drop or failed connect
	// attempt, and on explicit disconnect. Data: map with "state".
	TopicServerDisconnected = "server.disconnected"

	// TopicServerError fires exactly once when the reconnect ceiling is
	// exhausted. Data: map with "reason".
	TopicServerError = "server.error"

	// TopicToolResult carries the plugin.ToolResult produced by a
	// server-initiated tool invocation.
	TopicToolResult = "tool.result"
)
