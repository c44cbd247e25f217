// Volcano engine binary framing, shared by the doubao recognition driver.
//
// Every frame starts with a 4-byte header:
//
//	b0 = version<<4 | headerSize   (both 0b0001)
//	b1 = messageType<<4 | flags
//	b2 = serialization<<4 | compression
//	b3 = reserved
//
// followed by an optional big-endian sequence (when the sequence flag is
// set), a u32 payload length and the payload. Error frames replace the
// sequence with a u32 error code.

package asr

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	volcanoVersion    = 0b0001
	volcanoHeaderSize = 0b0001

	volcanoMsgFullClient = 0b0001
	volcanoMsgAudioOnly  = 0b0010
	volcanoMsgFullServer = 0b1001
	volcanoMsgError      = 0b1111

	volcanoFlagSequence  = 0b0001
	volcanoFlagLastAudio = 0b0010

	volcanoSerializationNone = 0b0000
	volcanoSerializationJSON = 0b0001

	volcanoCompressionNone = 0b0000
	volcanoCompressionGzip = 0b0001
)

// 1013 表示当前片段暂无识别结果, 不是错误
const volcanoCodeNoResult = 1013

// volcanoCodeSuccess is the error-frame code the server uses for a
// successful init acknowledgement.
const volcanoCodeSuccess = 1000

// volcanoMessage is one decoded frame. Payload is the uncompressed body;
// marshalVolcano applies the compression named in the header.
type volcanoMessage struct {
	MsgType       byte
	Flags         byte
	Serialization byte
	Compression   byte
	Sequence      int32
	ErrorCode     uint32
	Payload       []byte
}

func (m volcanoMessage) isLast() bool {
	return m.Flags&volcanoFlagLastAudio != 0
}

// marshalVolcano encodes a client frame.
func marshalVolcano(m volcanoMessage) ([]byte, error) {
	payload := m.Payload
	if m.Compression == volcanoCompressionGzip {
		var err error
		payload, err = gzipBytes(payload)
		if err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
	}

	var buf bytes.Buffer
	buf.WriteByte(volcanoVersion<<4 | volcanoHeaderSize)
	buf.WriteByte(m.MsgType<<4 | m.Flags)
	buf.WriteByte(m.Serialization<<4 | m.Compression)
	buf.WriteByte(0)

	if m.Flags&volcanoFlagSequence != 0 {
		if err := binary.Write(&buf, binary.BigEndian, m.Sequence); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(payload))); err != nil {
		return nil, err
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}

// unmarshalVolcano decodes a frame and decompresses its payload.
func unmarshalVolcano(data []byte) (volcanoMessage, error) {
	var m volcanoMessage
	if len(data) < 4 {
		return m, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	headerSize := int(data[0] & 0x0F)
	m.MsgType = data[1] >> 4
	m.Flags = data[1] & 0x0F
	m.Serialization = data[2] >> 4
	m.Compression = data[2] & 0x0F

	r := bytes.NewReader(data[headerSize*4:])

	if m.MsgType == volcanoMsgError {
		if err := binary.Read(r, binary.BigEndian, &m.ErrorCode); err != nil {
			return m, fmt.Errorf("read error code: %w", err)
		}
	} else if m.Flags&volcanoFlagSequence != 0 {
		if err := binary.Read(r, binary.BigEndian, &m.Sequence); err != nil {
			return m, fmt.Errorf("read sequence: %w", err)
		}
	}

	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return m, fmt.Errorf("read payload size: %w", err)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return m, fmt.Errorf("read payload: %w", err)
	}

	if m.Compression == volcanoCompressionGzip {
		var err error
		payload, err = gunzipBytes(payload)
		if err != nil {
			return m, fmt.Errorf("decompress payload: %w", err)
		}
	}
	m.Payload = payload
	return m, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
