package codec

import (
	"bytes"
	"crypto/rand"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestDeriveTopicIsDeterministic(t *testing.T) {
	key := bytes.Repeat([]byte{0x04, 0xab}, 32)
	first := DeriveTopic(key)
	for i := 0; i < 10; i++ {
		if got := DeriveTopic(key); got != first {
			t.Fatalf("topic changed between calls: %s != %s", got, first)
		}
	}
	if !strings.HasPrefix(first, "/cloud-companion/1/") || !strings.HasSuffix(first, "/json") {
		t.Fatalf("unexpected topic shape: %s", first)
	}
	hash := strings.TrimSuffix(strings.TrimPrefix(first, "/cloud-companion/1/"), "/json")
	if len(hash) != TopicHashLen {
		t.Fatalf("expected %d hex chars, got %d (%s)", TopicHashLen, len(hash), hash)
	}
}

func TestDeriveTopicKnownVector(t *testing.T) {
	// sha256("00") = f1534392279bddbf9d43dde8701cb5be14b82f76ec6607bf8d6ad557f60f304e
	got := DeriveTopic([]byte{0x00})
	want := "/cloud-companion/1/f1534392279bddbf/json"
	if got != want {
		t.Fatalf("unexpected topic: got %s want %s", got, want)
	}
}

func TestDeriveTopicLowCollision(t *testing.T) {
	seen := make(map[string]struct{}, 2000)
	for i := 0; i < 2000; i++ {
		key := make([]byte, 65)
		if _, err := rand.Read(key); err != nil {
			t.Fatalf("rand failed: %v", err)
		}
		topic := DeriveTopic(key)
		if _, dup := seen[topic]; dup {
			t.Fatalf("topic collision after %d samples: %s", i, topic)
		}
		seen[topic] = struct{}{}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	values := []Metadata{
		{"name": "Alice"},
		{"name": "Bob", "device": "laptop", "tags": []any{"a", "b"}},
		{"nested": map[string]any{"ok": true, "n": float64(3)}},
		{"html": "<b>&</b>"},
		{},
	}
	for _, v := range values {
		data, err := Encode(v)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		var got Metadata
		if err := Decode(data, &got); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if !reflect.DeepEqual(got, v) {
			t.Fatalf("round trip mismatch: got %#v want %#v", got, v)
		}
	}
}

func TestEncodeIsCanonical(t *testing.T) {
	a, err := Encode(Metadata{"b": 1, "a": 2})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if string(a) != `{"a":2,"b":1}` {
		t.Fatalf("unexpected encoding: %s", a)
	}
	reply, err := Encode(Reply{Action: ActionRegistrationSuccess})
	if err != nil {
		t.Fatalf("encode reply failed: %v", err)
	}
	if string(reply) != `{"action":"registration-success"}` {
		t.Fatalf("unexpected reply encoding: %s", reply)
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	cases := map[string][]byte{
		"empty":       nil,
		"bad json":    []byte(`{"name":`),
		"bad utf8":    {'"', 0xff, 0xfe, '"'},
		"trailing":    []byte(`{} {}`),
		"wrong shape": []byte(`[1,2]`),
	}
	for name, data := range cases {
		var md Metadata
		if err := Decode(data, &md); !errors.Is(err, ErrDecodeFailure) {
			t.Fatalf("%s: expected ErrDecodeFailure, got %v", name, err)
		}
	}
}

func TestDecodeMetadataRequiresObject(t *testing.T) {
	if _, err := DecodeMetadata([]byte(`null`)); !errors.Is(err, ErrDecodeFailure) {
		t.Fatalf("expected ErrDecodeFailure for null, got %v", err)
	}
	md, err := DecodeMetadata([]byte(`{"name":" Alice "}`))
	if err != nil {
		t.Fatalf("decode metadata failed: %v", err)
	}
	if md.Name() != "Alice" {
		t.Fatalf("unexpected name: %q", md.Name())
	}
}

func TestHexRoundTrip(t *testing.T) {
	for _, b := range [][]byte{{}, {0x00}, []byte("hello"), bytes.Repeat([]byte{0xff}, 300)} {
		got, err := DecodeHex(EncodeHex(b))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if !bytes.Equal(got, b) {
			t.Fatalf("hex round trip mismatch: %x != %x", got, b)
		}
	}
	got, err := DecodeHex("68656C6c6f")
	if err != nil || string(got) != "hello" {
		t.Fatalf("mixed case decode failed: %q %v", got, err)
	}
}

func TestDecodeHexRejectsInvalidInput(t *testing.T) {
	for _, s := range []string{"a", "abc", "zz", "0g", "68 65", "0x00"} {
		if _, err := DecodeHex(s); !errors.Is(err, ErrInvalidHex) {
			t.Fatalf("%q: expected ErrInvalidHex, got %v", s, err)
		}
	}
}

func TestRequestHexField(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"action":"pin","data":"68656c6c6f"}`))
	if err != nil {
		t.Fatalf("decode request failed: %v", err)
	}
	if req.Action != ActionPin || string(req.Data) != "hello" {
		t.Fatalf("unexpected request: %+v", req)
	}
	data, err := Encode(req)
	if err != nil {
		t.Fatalf("encode request failed: %v", err)
	}
	if string(data) != `{"action":"pin","data":"68656c6c6f"}` {
		t.Fatalf("unexpected request encoding: %s", data)
	}

	if _, err := DecodeRequest([]byte(`{"action":"pin","data":"686"}`)); !errors.Is(err, ErrDecodeFailure) {
		t.Fatalf("expected odd-length data to fail decode, got %v", err)
	}
	if _, err := DecodeRequest([]byte(`{"action":"pin","data":42}`)); !errors.Is(err, ErrDecodeFailure) {
		t.Fatalf("expected numeric data to fail decode, got %v", err)
	}
}
