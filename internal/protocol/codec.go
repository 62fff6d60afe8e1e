package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
)

// errStreamBroken marks a decoder whose zlib stream already failed once.
// Every later frame would inflate garbage, so decoding stays refused
// until a new connection replaces the decoder.
var errStreamBroken = errors.New("compressed stream is desynchronized")

// flushSuffix terminates every complete payload in zlib-stream mode
// (a zlib sync flush: empty stored block)
var flushSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// Encode serializes one payload into a JSON text frame. Outbound frames
// are never compressed; compression applies to the receive path only.
func Encode(p *Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// Decoder turns websocket frames into payloads. A nil payload with a nil
// error means the frame was an incomplete slice of a compressed payload
// and the caller should feed the next frame. Decoders hold per-connection
// stream state and are not safe for concurrent use; the read loop owns
// the decoder.
type Decoder interface {
	Decode(messageType int, data []byte) (*Payload, error)
}

// NewDecoder returns the decoder for the negotiated transport mode.
// maxMessageSize bounds the bytes buffered for a single payload.
func NewDecoder(compress bool, maxMessageSize int64) Decoder {
	if compress {
		return &ZlibStreamDecoder{maxSize: maxMessageSize}
	}
	return &jsonDecoder{}
}

// jsonDecoder handles the plain text mode: one JSON document per frame
type jsonDecoder struct{}

func (d *jsonDecoder) Decode(messageType int, data []byte) (*Payload, error) {
	if messageType != websocket.TextMessage {
		return nil, &DecodeError{Err: fmt.Errorf("unexpected frame type %d in json mode", messageType)}
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &p, nil
}

// ZlibStreamDecoder handles zlib-stream transport compression. All binary
// frames of the connection form one continuous zlib stream; a payload is
// complete when a frame ends with the sync flush suffix 00 00 ff ff. The
// inflater is created once, on the first frame (the stream header travels
// there), and must never be reset between frames. Any inflate or parse
// failure leaves the stream desynchronized and poisons the decoder.
type ZlibStreamDecoder struct {
	compressed bytes.Buffer  // raw frame bytes awaiting the inflater
	inflater   io.ReadCloser // shared across the whole connection
	dec        *json.Decoder
	maxSize    int64
	broken     bool
}

func (d *ZlibStreamDecoder) Decode(messageType int, data []byte) (*Payload, error) {
	if d.broken {
		return nil, &DecodeError{Err: errStreamBroken}
	}

	if messageType != websocket.BinaryMessage {
		// Some servers keep control payloads as plain text even on
		// compressed links
		var p Payload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, &DecodeError{Err: err}
		}
		return &p, nil
	}

	d.compressed.Write(data)

	if int64(d.compressed.Len()) > d.maxSize {
		d.broken = true
		return nil, &DecodeError{Err: ErrMessageTooLarge}
	}

	// Frames may split one payload; only the flush suffix marks the end
	if !bytes.HasSuffix(data, flushSuffix) {
		return nil, nil
	}

	if d.dec == nil {
		// The inflater reads the stream header on construction, so it
		// can only be built once the first frame is buffered
		zr, err := zlib.NewReader(&d.compressed)
		if err != nil {
			d.broken = true
			return nil, &DecodeError{Err: err}
		}
		d.inflater = zr
		d.dec = json.NewDecoder(zr)
	}

	var p Payload
	if err := d.dec.Decode(&p); err != nil {
		d.broken = true
		return nil, &DecodeError{Err: err}
	}
	return &p, nil
}

// Close releases the inflater
func (d *ZlibStreamDecoder) Close() error {
	if d.inflater != nil {
		return d.inflater.Close()
	}
	return nil
}
