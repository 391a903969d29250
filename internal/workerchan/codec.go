package workerchan

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"pkt.systems/checkerd/schema"
)

const (
	// CodecJSONL frames each action as one line of JSON.
	CodecJSONL = "jsonl"
	// CodecMsgpack writes self-delimiting msgpack values back to back.
	CodecMsgpack = "msgpack"
)

// Codec frames actions on the worker pipes.
type Codec interface {
	Name() string
	NewEncoder(w io.Writer) Encoder
	NewDecoder(r io.Reader) Decoder
}

// Encoder writes actions. Implementations are safe for concurrent use and
// never interleave frames.
type Encoder interface {
	Encode(action schema.Action) error
}

// Decoder reads actions. A *FrameError reports one undecodable frame; the
// decoder stays usable after it. Any other error ends the stream.
type Decoder interface {
	Decode(action *schema.Action) error
}

// FrameError is returned for a frame that is not a valid action.
type FrameError struct {
	frame []byte
	err   error
}

func (e *FrameError) Error() string {
	if e == nil || e.err == nil {
		return "frame decode error"
	}
	return "frame decode error: " + e.err.Error()
}

func (e *FrameError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Frame returns a copy of the offending frame when the codec can recover it.
func (e *FrameError) Frame() []byte {
	if e == nil {
		return nil
	}
	return e.frame
}

// CodecByName resolves a codec. The empty name selects jsonl.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecJSONL:
		return jsonlCodec{}, nil
	case CodecMsgpack:
		return msgpackCodec{}, nil
	}
	return nil, fmt.Errorf("%w: unknown worker codec %q", schema.ErrInvalidConfig, name)
}

type jsonlCodec struct{}

func (jsonlCodec) Name() string { return CodecJSONL }

func (jsonlCodec) NewEncoder(w io.Writer) Encoder {
	return &jsonlEncoder{w: w}
}

func (jsonlCodec) NewDecoder(r io.Reader) Decoder {
	return &jsonlDecoder{reader: bufio.NewReader(r)}
}

type jsonlEncoder struct {
	mu sync.Mutex
	w  io.Writer
}

func (e *jsonlEncoder) Encode(action schema.Action) error {
	buf, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode %s: %w", action.Type, err)
	}
	buf = append(buf, '\n')
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(buf)
	return err
}

type jsonlDecoder struct {
	reader *bufio.Reader
}

func (d *jsonlDecoder) Decode(action *schema.Action) error {
	for {
		line, err := d.reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return err
			}
			continue
		}
		var decoded schema.Action
		if decodeErr := json.Unmarshal(line, &decoded); decodeErr != nil {
			return &FrameError{frame: append([]byte(nil), line...), err: decodeErr}
		}
		if decoded.Type == "" {
			return &FrameError{frame: append([]byte(nil), line...), err: errors.New("missing action type")}
		}
		*action = decoded
		return nil
	}
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return CodecMsgpack }

func (msgpackCodec) NewEncoder(w io.Writer) Encoder {
	return &msgpackEncoder{enc: msgpack.NewEncoder(w)}
}

func (msgpackCodec) NewDecoder(r io.Reader) Decoder {
	return &msgpackDecoder{dec: msgpack.NewDecoder(bufio.NewReader(r))}
}

// msgpackFrame carries the payload as raw JSON bytes so overlay payloads
// reach the transport unchanged.
type msgpackFrame struct {
	Type    string `msgpack:"type"`
	Payload []byte `msgpack:"payload,omitempty"`
}

type msgpackEncoder struct {
	mu  sync.Mutex
	enc *msgpack.Encoder
}

func (e *msgpackEncoder) Encode(action schema.Action) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	frame := msgpackFrame{Type: string(action.Type), Payload: action.Payload}
	if err := e.enc.Encode(&frame); err != nil {
		return fmt.Errorf("encode %s: %w", action.Type, err)
	}
	return nil
}

type msgpackDecoder struct {
	dec *msgpack.Decoder
}

func (d *msgpackDecoder) Decode(action *schema.Action) error {
	var frame msgpackFrame
	if err := d.dec.Decode(&frame); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
		return err
	}
	if frame.Type == "" {
		return &FrameError{err: errors.New("missing action type")}
	}
	if len(frame.Payload) > 0 && !json.Valid(frame.Payload) {
		return &FrameError{frame: frame.Payload, err: errors.New("payload is not JSON")}
	}
	*action = schema.Action{Type: schema.ActionType(frame.Type), Payload: json.RawMessage(frame.Payload)}
	return nil
}
