package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// StartUpdate is the START_UPDATE payload.
type StartUpdate struct {
	TotalSize uint32
	CRC       uint32
	Version   uint32
}

// StartUpdateData creates the payload for START_UPDATE.
func StartUpdateData(totalSize, crc, version uint32) []byte {
	data := make([]byte, StartUpdateSize)
	binary.LittleEndian.PutUint32(data[0:4], totalSize)
	binary.LittleEndian.PutUint32(data[4:8], crc)
	binary.LittleEndian.PutUint32(data[8:12], version)
	return data
}

// ParseStartUpdate decodes a START_UPDATE payload. Bytes past the first 12
// are ignored.
func ParseStartUpdate(data []byte) (StartUpdate, error) {
	if len(data) < StartUpdateSize {
		return StartUpdate{}, errors.Errorf("start update payload too short: %d bytes", len(data))
	}
	return StartUpdate{
		TotalSize: binary.LittleEndian.Uint32(data[0:4]),
		CRC:       binary.LittleEndian.Uint32(data[4:8]),
		Version:   binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

// DataData creates the payload for DATA: offset followed by the chunk.
func DataData(offset uint32, chunk []byte) []byte {
	data := make([]byte, DataOffsetSize+len(chunk))
	binary.LittleEndian.PutUint32(data[0:4], offset)
	copy(data[DataOffsetSize:], chunk)
	return data
}

// ParseData splits a DATA payload into offset and chunk. The chunk aliases
// data.
func ParseData(data []byte) (uint32, []byte, error) {
	if len(data) < MinDataSize {
		return 0, nil, errors.Errorf("data payload too short: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint32(data[0:4]), data[DataOffsetSize:], nil
}

// VersionData creates the QUERY_VERSION reply payload.
func VersionData(version uint32) []byte {
	data := make([]byte, VersionSize)
	binary.LittleEndian.PutUint32(data, version)
	return data
}

// ParseVersion decodes a QUERY_VERSION reply.
func ParseVersion(data []byte) (uint32, error) {
	if len(data) < VersionSize {
		return 0, errors.Errorf("version payload too short: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint32(data), nil
}

// Ack is a decoded ACK payload.
type Ack struct {
	Status Status
	Cmd    byte
	Seq    byte
}

// AckData creates the ACK payload: status, echoed command, echoed sequence.
func AckData(cmd, seq byte, status Status) []byte {
	return []byte{byte(status), cmd, seq}
}

// ParseAck decodes an ACK payload.
func ParseAck(data []byte) (Ack, error) {
	if len(data) < AckSize {
		return Ack{}, errors.Errorf("ack payload too short: %d bytes", len(data))
	}
	return Ack{Status: Status(data[0]), Cmd: data[1], Seq: data[2]}, nil
}

// Err returns a *StatusError unless the status is OK.
func (a Ack) Err() error {
	if a.Status == StatusOK {
		return nil
	}
	return &StatusError{Cmd: a.Cmd, Status: a.Status}
}
