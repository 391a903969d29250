package workerchan

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"pkt.systems/checkerd/schema"
)

func TestCodecByName(t *testing.T) {
	for name, want := range map[string]string{"": CodecJSONL, "JSONL": CodecJSONL, "msgpack": CodecMsgpack} {
		codec, err := CodecByName(name)
		if err != nil {
			t.Fatalf("CodecByName(%q): %v", name, err)
		}
		if codec.Name() != want {
			t.Fatalf("CodecByName(%q) = %s, want %s", name, codec.Name(), want)
		}
	}
	if _, err := CodecByName("protobuf"); !errors.Is(err, schema.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestCodecsPreserveOrderAndPayload(t *testing.T) {
	overlay, err := schema.NewOverlayErrorAction(schema.HMRPayload{
		Type: schema.HMRPayloadError,
		Err:  &schema.ErrorPayload{Message: "TS2322: bad", Plugin: "checkerd:typescript"},
	})
	if err != nil {
		t.Fatalf("NewOverlayErrorAction: %v", err)
	}
	cfg, err := schema.NewConfigAction(schema.ConfigPayload{Env: schema.ConfigEnv{Mode: "development", Command: "serve"}})
	if err != nil {
		t.Fatalf("NewConfigAction: %v", err)
	}
	sent := []schema.Action{cfg, overlay, schema.UnrefAction(), {Type: "futureTag"}}

	for _, name := range []string{CodecJSONL, CodecMsgpack} {
		codec, _ := CodecByName(name)
		var buf bytes.Buffer
		enc := codec.NewEncoder(&buf)
		for _, action := range sent {
			if err := enc.Encode(action); err != nil {
				t.Fatalf("%s encode: %v", name, err)
			}
		}
		dec := codec.NewDecoder(&buf)
		for i, want := range sent {
			var got schema.Action
			if err := dec.Decode(&got); err != nil {
				t.Fatalf("%s decode %d: %v", name, i, err)
			}
			if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
				t.Fatalf("%s frame %d: got %+v want %+v", name, i, got, want)
			}
		}
		var tail schema.Action
		if err := dec.Decode(&tail); !errors.Is(err, io.EOF) {
			t.Fatalf("%s: expected EOF, got %v", name, err)
		}
	}
}

func TestJSONLDecoderRecoversFromBadFrame(t *testing.T) {
	input := "not json\n\n" + `{"payload":{}}` + "\n" + `{"type":"unref"}` + "\n"
	dec := jsonlCodec{}.NewDecoder(bytes.NewBufferString(input))

	var action schema.Action
	err := dec.Decode(&action)
	var frameErr *FrameError
	if !errors.As(err, &frameErr) || string(frameErr.Frame()) != "not json" {
		t.Fatalf("expected frame error for garbage, got %v", err)
	}
	if err := dec.Decode(&action); !errors.As(err, &frameErr) {
		t.Fatalf("expected frame error for missing type, got %v", err)
	}
	if err := dec.Decode(&action); err != nil || action.Type != schema.ActionUnref {
		t.Fatalf("expected unref after bad frames, got %+v err=%v", action, err)
	}
}

func TestMsgpackRejectsNonJSONPayload(t *testing.T) {
	var buf bytes.Buffer
	enc := msgpackCodec{}.NewEncoder(&buf)
	if err := enc.Encode(schema.Action{Type: schema.ActionOverlayError, Payload: json.RawMessage("{oops")}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var action schema.Action
	var frameErr *FrameError
	if err := (msgpackCodec{}).NewDecoder(&buf).Decode(&action); !errors.As(err, &frameErr) {
		t.Fatalf("expected frame error, got %v", err)
	}
}
