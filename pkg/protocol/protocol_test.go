package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/models"
)

func TestDecodeRejectsMalformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{"not_json", `{{`},
		{"unknown_kind", `{"kind":"teleport","participant_id":"p1","sequence":1,"timestamp":"2026-01-01T00:00:00Z"}`},
		{"missing_participant", `{"kind":"heartbeat","sequence":1,"timestamp":"2026-01-01T00:00:00Z"}`},
		{"missing_timestamp", `{"kind":"heartbeat","participant_id":"p1","sequence":1}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode([]byte(tc.raw)); !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("expected ErrMalformedMessage, got %v", err)
			}
		})
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope(KindViolationReport, "p1", 7, ViolationReportPayload{
		ViolationType: models.ViolationFaceAbsence,
		Severity:      models.SeverityHigh,
		Timestamp:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	raw, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != KindViolationReport || got.ParticipantID != "p1" || got.Sequence != 7 {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	payload, err := DecodePayload(got)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	rep, ok := payload.(ViolationReportPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", payload)
	}
	if rep.ViolationType != models.ViolationFaceAbsence || rep.Severity != models.SeverityHigh {
		t.Fatalf("unexpected payload: %+v", rep)
	}
}

func TestDecodePayloadSchemaChecks(t *testing.T) {
	t.Parallel()

	base := Envelope{ParticipantID: "p1", Sequence: 1, Timestamp: time.Now().UTC()}

	reg := base
	reg.Kind = KindRegister
	reg.Payload = json.RawMessage(`{"computer_name":"lab-01"}`)
	if _, err := DecodePayload(reg); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("register without display_name: expected ErrMalformedMessage, got %v", err)
	}

	vio := base
	vio.Kind = KindViolationReport
	vio.Payload = json.RawMessage(`{"violation_type":"face_absence","severity":"catastrophic"}`)
	if _, err := DecodePayload(vio); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("bad severity: expected ErrMalformedMessage, got %v", err)
	}

	perm := base
	perm.Kind = KindPermissionRequest
	perm.Payload = json.RawMessage(`{"reason":"toilet","requested_duration_seconds":-10}`)
	if _, err := DecodePayload(perm); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("negative duration: expected ErrMalformedMessage, got %v", err)
	}

	vio.Payload = json.RawMessage(`{"violation_type":"face_absence","severity":"high"}`)
	payload, err := DecodePayload(vio)
	if err != nil {
		t.Fatalf("valid report rejected: %v", err)
	}
	rep := payload.(ViolationReportPayload)
	if rep.Timestamp.IsZero() {
		t.Fatal("expected payload timestamp defaulted from envelope")
	}
}

func TestDecodePayloadHeartbeatDefaults(t *testing.T) {
	t.Parallel()

	env := Envelope{
		Kind:          KindHeartbeat,
		ParticipantID: "p1",
		Sequence:      2,
		Timestamp:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	payload, err := DecodePayload(env)
	if err != nil {
		t.Fatalf("heartbeat without payload: %v", err)
	}
	hb := payload.(HeartbeatPayload)
	if !hb.Timestamp.Equal(env.Timestamp) {
		t.Fatalf("expected envelope timestamp, got %v", hb.Timestamp)
	}
}

func TestSequenceGuard(t *testing.T) {
	t.Parallel()

	g := NewSequenceGuard()
	if err := g.Accept("c1", 1); err != nil {
		t.Fatalf("first sequence: %v", err)
	}
	if err := g.Accept("c1", 2); err != nil {
		t.Fatalf("advancing sequence: %v", err)
	}
	if err := g.Accept("c1", 2); !errors.Is(err, ErrStaleSequence) {
		t.Fatalf("duplicate: expected ErrStaleSequence, got %v", err)
	}
	if err := g.Accept("c1", 1); !errors.Is(err, ErrStaleSequence) {
		t.Fatalf("reordered: expected ErrStaleSequence, got %v", err)
	}
	// Other connections have independent counters.
	if err := g.Accept("c2", 1); err != nil {
		t.Fatalf("independent connection: %v", err)
	}
	g.Forget("c1")
	if err := g.Accept("c1", 1); err != nil {
		t.Fatalf("after forget: %v", err)
	}
}
