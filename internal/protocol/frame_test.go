package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/model"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
	}{
		{"send", `{"type":"send","payload":{"conversation_id":"x","content":"hi","kind":"text"}}`, true},
		{"ping without payload", `{"type":"ping"}`, true},
		{"missing type", `{"payload":{}}`, false},
		{"not json", `hello`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			if tt.ok && err != nil {
				t.Fatalf("Decode() = %v", err)
			}
			if !tt.ok && !apperr.Is(err, apperr.InvalidArgument) {
				t.Fatalf("Decode() = %v, want InvalidArgument", err)
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	f, _ := Decode([]byte(`{"type":"send","payload":{"conversation_id":"c","content":"hello","kind":"text","attachment_ids":["a1"]}}`))
	p, err := DecodePayload[SendPayload](f)
	if err != nil {
		t.Fatal(err)
	}
	if p.Content != "hello" || len(p.AttachmentIDs) != 1 {
		t.Fatalf("payload = %+v", p)
	}
	if _, err := DecodePayload[SendPayload](Frame{Type: "send"}); !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("empty payload: err = %v", err)
	}
	if _, err := DecodePayload[SendPayload](Frame{Type: "send", Payload: []byte(`[1]`)}); !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("wrong shape: err = %v", err)
	}
}

func TestValidConversationID(t *testing.T) {
	tests := map[string]bool{
		"3f1c2a4e-9b7d-4c1e-8f2a-0d9e8c7b6a5f": true,
		"3f1c2a4e9b7d4c1e8f2a0d9e8c7b6a5f":     false,
		"3F1C2A4E-9B7D-4C1E-8F2A-0D9E8C7B6A5F": false,
		"c1":                                   false,
		"":                                     false,
	}
	for id, want := range tests {
		if got := ValidConversationID(id); got != want {
			t.Errorf("ValidConversationID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	f, err := New(TypeTyping, "conv", TypingPayload{ConversationID: "conv", UserID: "u1", IsTyping: true}, now)
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncodeEnvelope(Envelope{Frame: f, Origin: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	env, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatal(err)
	}
	if env.Origin != "s1" || env.Frame.TS != "2025-05-01T10:00:00Z" || env.Frame.ConversationID != "conv" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestErrorFrameHidesInternals(t *testing.T) {
	now := time.Now()
	f := ErrorFrame(apperr.Wrap(apperr.Internal, errString("dsn leaked"), "db"), "corr-1", now)
	if strings.Contains(string(f.Payload), "dsn") {
		t.Fatalf("internal cause leaked: %s", f.Payload)
	}
	p, _ := DecodePayload[ErrorPayload](f)
	if p.Code != "internal" || p.CorrelationID != "corr-1" {
		t.Fatalf("payload = %+v", p)
	}

	f = ErrorFrame(apperr.RateLimit("slow down", 1500*time.Millisecond), "", now)
	p, _ = DecodePayload[ErrorPayload](f)
	if p.Code != "rate_limited" || p.RetryAfterMS != 1500 {
		t.Fatalf("payload = %+v", p)
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestFromMessage(t *testing.T) {
	m := model.Message{
		ID: "42", ConversationID: "c", SenderID: "u1", Seq: 7, Kind: model.KindImage,
		CreatedAt:   time.Date(2025, 1, 2, 3, 4, 5, 600000, time.UTC),
		Attachments: []model.Attachment{{ID: "a1", Kind: model.AttachImage, Size: 10, Width: 640}},
	}
	p := FromMessage(m)
	if p.Seq != 7 || len(p.Attachments) != 1 || p.Attachments[0].Width != 640 || p.TS != "2025-01-02T03:04:05.0006Z" {
		t.Fatalf("payload = %+v", p)
	}
	if FromMessage(model.Message{}).Attachments == nil {
		t.Fatal("attachments must encode as [] rather than null")
	}
}
