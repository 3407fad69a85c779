package bus

// Recorder is invoked synchronously immediately after a message is
// successfully enqueued. A publish dropped for a full queue never
// reaches the recorder — audit journaling reflects only what the bus
// actually accepted.
type Recorder interface {
	RecordInbound(msg InboundMessage)
	RecordOutbound(msg OutboundMessage)
}
