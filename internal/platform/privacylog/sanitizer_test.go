package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

const samplePublicKey = "04a1b2c3d4"

func TestHandlerRedactsSecretsAndFingerprintsPublicKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("test",
		"remote_public_key", samplePublicKey,
		"privateKey", "deadbeef",
		"http_token", "abc",
		"storage_passphrase", "hunter2",
		"status", "ok",
	)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["remote_public_key"]; ok {
		t.Fatal("remote_public_key must not be logged in clear")
	}
	fp, _ := payload["remote_public_key_fp"].(string)
	if !strings.HasPrefix(fp, "fp_") {
		t.Fatalf("expected fingerprint, got %q", fp)
	}
	for _, key := range []string{"privateKey", "http_token", "storage_passphrase"} {
		if got, _ := payload[key].(string); got != redactedValue {
			t.Fatalf("expected %s to be redacted, got %q", key, got)
		}
	}
	if payload["status"] != "ok" {
		t.Fatalf("unrelated attrs must pass through, got %v", payload["status"])
	}
}

func TestFingerprintIsStableAndCaseInsensitive(t *testing.T) {
	a := FingerprintKey(samplePublicKey)
	b := FingerprintKey(strings.ToUpper(samplePublicKey))
	if a != b {
		t.Fatalf("expected equal fingerprints, got %s and %s", a, b)
	}
	if FingerprintKey("  ") != "" {
		t.Fatal("blank value must yield an empty fingerprint")
	}
	if strings.Contains(a, samplePublicKey) {
		t.Fatal("fingerprint must not contain the key")
	}
}

func TestByteSliceKeysAreFingerprinted(t *testing.T) {
	attr := SanitizeAttr(slog.Any("signer", []byte{0x04, 0xa1}))
	if attr.Key != "signer_fp" {
		t.Fatalf("unexpected key %q", attr.Key)
	}
	if attr.Value.String() != FingerprintKey("04a1") {
		t.Fatalf("byte keys must fingerprint their hex form, got %s", attr.Value.String())
	}
}

func TestSanitizingHandlerWithAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil)).WithAttrs([]slog.Attr{slog.String("local_public_key", samplePublicKey)})
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.Group("pairing", slog.String("privateKey", "00"), slog.String("name", "Alice")))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "local_public_key_fp") {
		t.Fatalf("expected fingerprinted handler attr, got %s", out)
	}
	if strings.Contains(out, `"privateKey":"00"`) {
		t.Fatalf("grouped secrets must be redacted, got %s", out)
	}
	if !strings.Contains(out, "Alice") {
		t.Fatalf("grouped plain attrs must pass through, got %s", out)
	}
}
