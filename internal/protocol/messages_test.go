package protocol

import "testing"

func TestValidSubjectToken(t *testing.T) {
	for _, token := range []string{"default", "mod-a", "M17_GW"} {
		if !ValidSubjectToken(token) {
			t.Fatalf("%q should be valid", token)
		}
	}
	for _, token := range []string{"", "a.b", "*", ">", "a b", "a\tb"} {
		if ValidSubjectToken(token) {
			t.Fatalf("%q should be rejected", token)
		}
	}
	if got := FrameSubject("mod-a"); got != "voice.frame.mod-a" {
		t.Fatalf("unexpected frame subject %q", got)
	}
}
