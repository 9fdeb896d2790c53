package protocol

// Frame header bytes
const (
	Head1 = 0x55
	Head2 = 0xAA
)

// Commands
const (
	CmdHandshake    = 0x01
	CmdStartUpdate  = 0x02
	CmdData         = 0x03
	CmdEndUpdate    = 0x04
	CmdQueryVersion = 0x05
	CmdAck          = 0x06
)

// Frame limits
const (
	MaxPayloadLen = 1024 // largest payload a receiver buffers
	HeaderSize    = 6    // head1, head2, cmd, seq, len16
	TrailerSize   = 4    // crc32
)

// Payload sizes
const (
	StartUpdateSize = 12
	DataOffsetSize  = 4
	MinDataSize     = DataOffsetSize + 1
	VersionSize     = 4
	AckSize         = 3
)

// Identification is the handshake reply, NUL included.
const Identification = "STM32F4-APP-BOOT\x00"

// DefaultBaudRate is the UART speed of the update agent.
const DefaultBaudRate = 115200

// CommandName returns human-readable name for a command code
func CommandName(cmd byte) string {
	switch cmd {
	case CmdHandshake:
		return "HANDSHAKE"
	case CmdStartUpdate:
		return "START_UPDATE"
	case CmdData:
		return "DATA"
	case CmdEndUpdate:
		return "END_UPDATE"
	case CmdQueryVersion:
		return "QUERY_VERSION"
	case CmdAck:
		return "ACK"
	default:
		return "UNKNOWN"
	}
}

// Status is the first byte of an ACK payload.
type Status byte

// Ack status codes
const (
	StatusOK         Status = 0x00
	StatusFrameCRC   Status = 0x01
	StatusParamError Status = 0x02
	StatusFlashError Status = 0x03
	StatusStateError Status = 0x04
)

// StatusMessage returns human-readable message for a status code
func StatusMessage(s Status) string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFrameCRC:
		return "frame CRC error"
	case StatusParamError:
		return "parameter error"
	case StatusFlashError:
		return "flash error"
	case StatusStateError:
		return "state error"
	default:
		return "unknown status"
	}
}
