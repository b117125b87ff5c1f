package signaling

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/domain"
)

func TestParse_Variants(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"offer", `{"type":"offer","offer":{"type":"offer","sdp":"v=0"},"call_type":"video","call_id":"c1"}`, true},
		{"offer without call id", `{"type":"offer","offer":{"type":"offer","sdp":"v=0"},"call_type":"audio"}`, true},
		{"offer wrong sdp type", `{"type":"offer","offer":{"type":"answer","sdp":"v=0"},"call_type":"audio"}`, false},
		{"offer missing call type", `{"type":"offer","offer":{"type":"offer","sdp":"v=0"}}`, false},
		{"offer empty sdp", `{"type":"offer","offer":{"type":"offer","sdp":""},"call_type":"audio"}`, false},
		{"answer", `{"type":"answer","answer":{"type":"answer","sdp":"v=0"},"call_id":"c1"}`, true},
		{"answer missing", `{"type":"answer","call_id":"c1"}`, false},
		{"candidate", `{"type":"ice_candidate","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host","sdpMid":"0","sdpMLineIndex":0}}`, true},
		{"end of candidates", `{"type":"ice_candidate","candidate":{"candidate":""}}`, true},
		{"candidate missing", `{"type":"ice_candidate"}`, false},
		{"status", `{"type":"call_status","status":"ended"}`, true},
		{"status unknown", `{"type":"call_status","status":"paused"}`, false},
		{"quality", `{"type":"call_quality","connection_quality":"poor","network_info":{"bytes_received":1,"bytes_sent":2,"packets_lost":3,"loss_rate":0.1}}`, true},
		{"quality bad label", `{"type":"call_quality","connection_quality":"meh"}`, false},
		{"toggle", `{"type":"toggle_media","media_type":"audio","enabled":false}`, true},
		{"toggle missing enabled", `{"type":"toggle_media","media_type":"audio"}`, false},
		{"toggle bad kind", `{"type":"toggle_media","media_type":"screen","enabled":true}`, false},
		{"state", `{"type":"call_state","call":{"call_id":"c1","call_type":"audio","status":"ringing"}}`, true},
		{"state missing call", `{"type":"call_state"}`, false},
		{"incoming", `{"type":"incoming_call","call_id":"c1","caller_id":7,"caller_name":"Ann","call_type":"video"}`, true},
		{"incoming missing id", `{"type":"incoming_call","call_type":"video"}`, false},
		{"ended shorthand", `{"type":"call_ended","call_id":"c1"}`, true},
		{"unknown fields ignored", `{"type":"call_status","status":"ringing","sender_id":9}`, true},
		{"unknown type", `{"type":"bogus"}`, false},
		{"missing type", `{}`, false},
		{"not json", `nope`, false},
		{"array", `[]`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			if (err == nil) != tc.ok {
				t.Fatalf("Parse err=%v, want ok=%v", err, tc.ok)
			}
			if err != nil {
				var se *Error
				if !errors.As(err, &se) {
					t.Fatalf("err type=%T, want *Error", err)
				}
			}
		})
	}
}

func TestParse_NormalizesEnums(t *testing.T) {
	m, err := Parse([]byte(`{"type":"offer","offer":{"type":"offer","sdp":"v=0"},"call_type":" VIDEO "}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.CallType != domain.CallTypeVideo {
		t.Fatalf("call_type=%q, want %q", m.CallType, domain.CallTypeVideo)
	}
}

func TestOffer_WireShape(t *testing.T) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	b, err := json.Marshal(NewOffer(desc, domain.CallTypeAudio, "c9", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["type"] != "offer" || raw["call_type"] != "audio" || raw["call_id"] != "c9" {
		t.Fatalf("unexpected wire message: %s", b)
	}
	offer, ok := raw["offer"].(map[string]any)
	if !ok || offer["type"] != "offer" || offer["sdp"] != "v=0" {
		t.Fatalf("unexpected offer payload: %s", b)
	}
	if _, ok := raw["answer"]; ok {
		t.Fatalf("offer carries an answer field: %s", b)
	}
}

func TestToggleMedia_EncodesFalse(t *testing.T) {
	b, err := json.Marshal(NewToggleMedia(domain.MediaAudio, false))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"toggle_media","media_type":"audio","enabled":false}`
	if string(b) != want {
		t.Fatalf("json=%s, want %s", b, want)
	}
}

func TestCandidate_PionConversion(t *testing.T) {
	mid := "0"
	idx := uint16(1)
	ci := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 9 typ host", SDPMid: &mid, SDPMLineIndex: &idx}
	got := CandidateFromPion(ci).ToPion()
	if got.Candidate != ci.Candidate || *got.SDPMid != mid || *got.SDPMLineIndex != idx {
		t.Fatalf("round trip=%+v, want %+v", got, ci)
	}
}

func TestSDP_ToPionRejectsUnknownType(t *testing.T) {
	if _, err := (SDP{Type: "pranswer", SDP: "v=0"}).ToPion(); err == nil {
		t.Fatalf("expected error")
	}
}
