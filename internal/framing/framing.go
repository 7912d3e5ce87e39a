// Package framing implements KeyMesh's wire framing: a 4-byte big-endian
// length prefix followed by a UTF-8 JSON object body. Framing has no
// knowledge of message semantics; it only moves bytes.
package framing

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/keymesh/keymesh/internal/keymesherr"
)

// MaxFrameSize is the hard cap on a single frame body.
const MaxFrameSize = 8 * 1024 * 1024

// WriteJSON serializes obj with no whitespace and writes it as one frame.
func WriteJSON(w io.Writer, obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return &keymesherr.ProtocolError{Msg: "encode frame", Cause: err}
	}
	if len(data) > MaxFrameSize {
		return &keymesherr.ProtocolError{Msg: "frame body exceeds max size"}
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(data)))
	if _, err := w.Write(header); err != nil {
		return &keymesherr.IoError{Op: "write frame header", Cause: err}
	}
	if _, err := w.Write(data); err != nil {
		return &keymesherr.IoError{Op: "write frame body", Cause: err}
	}
	return nil
}

// ReadJSON reads one frame and unmarshals its body into a generic object
// map. Short reads surface as ProtocolError ("unexpected EOF"); oversized
// or zero-length frames and non-object payloads are InvalidFrame,
// represented here as ProtocolError.
func ReadJSON(r io.Reader) (map[string]any, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, &keymesherr.ProtocolError{Msg: "unexpected EOF while reading frame length", Cause: err}
		}
		return nil, &keymesherr.IoError{Op: "read frame header", Cause: err}
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 || length > MaxFrameSize {
		return nil, &keymesherr.ProtocolError{Msg: "invalid frame length"}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, &keymesherr.ProtocolError{Msg: "unexpected EOF while reading frame payload", Cause: err}
		}
		return nil, &keymesherr.IoError{Op: "read frame payload", Cause: err}
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, &keymesherr.ProtocolError{Msg: "invalid JSON payload", Cause: err}
	}
	if obj == nil {
		return nil, &keymesherr.ProtocolError{Msg: "frame payload is not a JSON object"}
	}
	return obj, nil
}

// WriteRaw writes size raw (unframed) bytes directly to w, used for CHUNK
// payloads which follow their header frame without their own length prefix.
func WriteRaw(w io.Writer, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return &keymesherr.IoError{Op: "write chunk payload", Cause: err}
	}
	return nil
}

// ReadRaw reads exactly n raw bytes from r.
func ReadRaw(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, &keymesherr.ProtocolError{Msg: "unexpected EOF while reading chunk payload", Cause: err}
	}
	return buf, nil
}
