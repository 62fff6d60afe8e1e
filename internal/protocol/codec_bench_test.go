package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
)

// BenchmarkEncode_Heartbeat benchmarks the smallest outbound payload
func BenchmarkEncode_Heartbeat(b *testing.B) {
	p, err := Marshal(OpcodeHeartbeat, int64(12345))
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Encode(p); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkDecode_JSON benchmarks text mode decoding of a typical dispatch
func BenchmarkDecode_JSON(b *testing.B) {
	frame := dispatchFrame(b, 512)
	d := NewDecoder(false, 1<<20)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := d.Decode(websocket.TextMessage, frame); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkDecode_ZlibStream benchmarks shared-stream inflation across
// payload sizes
func BenchmarkDecode_ZlibStream(b *testing.B) {
	for _, size := range []int{512, 8 * 1024, 64 * 1024} {
		b.Run(fmt.Sprintf("%dB", size), func(b *testing.B) {
			plain := dispatchFrame(b, size)

			// Pre-compress b.N frames of one continuous stream; the
			// decoder must consume them in order.
			var buf bytes.Buffer
			zw := zlib.NewWriter(&buf)
			frames := make([][]byte, b.N)
			for i := range frames {
				start := buf.Len()
				if _, err := zw.Write(plain); err != nil {
					b.Fatal(err)
				}
				if err := zw.Flush(); err != nil {
					b.Fatal(err)
				}
				frames[i] = buf.Bytes()[start:buf.Len()]
			}

			d := NewDecoder(true, 1<<24)
			b.SetBytes(int64(size))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				p, err := d.Decode(websocket.BinaryMessage, frames[i])
				if err != nil {
					b.Fatal(err)
				}
				if p == nil {
					b.Fatal("expected a complete payload per frame")
				}
			}
		})
	}
}

func dispatchFrame(b *testing.B, contentSize int) []byte {
	b.Helper()
	content := bytes.Repeat([]byte("x"), contentSize)
	data, err := json.Marshal(map[string]string{"content": string(content)})
	if err != nil {
		b.Fatal(err)
	}
	frame, err := json.Marshal(&Payload{
		Op:       OpcodeDispatch,
		Data:     data,
		Sequence: 42,
		Type:     "MESSAGE_CREATE",
	})
	if err != nil {
		b.Fatal(err)
	}
	return frame
}
