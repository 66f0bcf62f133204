package message

// SendOption is the 1-byte classifier at the head of every datagram. It
// selects the delivery semantics and the receive-side dispatch.
type SendOption byte

const (
	SendNone       SendOption = 0  // fire-and-forget payload
	SendReliable   SendOption = 1  // acknowledged, duplicate-suppressed payload
	SendFragment   SendOption = 2  // reserved, handled as SendNone until implemented
	SendHello      SendOption = 8  // handshake, rides the reliable machinery
	SendDisconnect SendOption = 9  // best-effort teardown notice, body is the reason
	SendAck        SendOption = 10 // acknowledges one reliable message id
	SendPing       SendOption = 12 // reliable keep-alive, never delivered to the app
)

// Reliable reports whether datagrams with this option carry a 16-bit
// message id and participate in ack/retransmit/dedupe.
func (o SendOption) Reliable() bool {
	return o == SendReliable || o == SendHello || o == SendPing
}

// HeaderSize returns the number of header bytes preceding the payload:
// the option byte itself plus, for reliable options, the big-endian
// message id.
func (o SendOption) HeaderSize() int {
	if o.Reliable() {
		return 3
	}
	return 1
}

func (o SendOption) String() string {
	switch o {
	case SendNone:
		return "None"
	case SendReliable:
		return "Reliable"
	case SendFragment:
		return "Fragment"
	case SendHello:
		return "Hello"
	case SendDisconnect:
		return "Disconnect"
	case SendAck:
		return "Acknowledgement"
	case SendPing:
		return "Ping"
	default:
		return "Unknown"
	}
}
