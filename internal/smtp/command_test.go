package smtp

import "testing"

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantVerb Verb
		wantArg  string
	}{
		{"HELO", "HELO mail.example.com", VerbHELO, "mail.example.com"},
		{"lowercase ehlo", "ehlo mail.example.com", VerbEHLO, "mail.example.com"},
		{"mail from", "MAIL FROM:<a@example.com>", VerbMAILFROM, "<a@example.com>"},
		{"mail from lowercase prefix", "mail from:<a@example.com>", VerbMAILFROM, "<a@example.com>"},
		{"mail from with space after colon", "MAIL FROM: <a@example.com> BODY=8BITMIME", VerbMAILFROM, "<a@example.com> BODY=8BITMIME"},
		{"rcpt to", "RCPT TO:<b@example.com>", VerbRCPTTO, "<b@example.com>"},
		{"starttls no arg", "STARTTLS", VerbSTARTTLS, ""},
		{"auth plain", "AUTH PLAIN", VerbAUTH, "PLAIN"},
		{"data", "DATA", VerbDATA, ""},
		{"rset", "RSET", VerbRSET, ""},
		{"quit", "QUIT", VerbQUIT, ""},
		{"noop", "NOOP", VerbNOOP, ""},
		{"help", "HELP", VerbHELP, ""},
		{"unknown verb", "FROB somearg", VerbUnknown, "FROB somearg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseCommand(tt.line)
			if got.Verb != tt.wantVerb {
				t.Errorf("verb = %v, want %v", got.Verb, tt.wantVerb)
			}
			if got.Arg != tt.wantArg {
				t.Errorf("arg = %q, want %q", got.Arg, tt.wantArg)
			}
		})
	}
}

func TestAllowedInPhase(t *testing.T) {
	if !allowedInPhase(PhaseInit, VerbEHLO) {
		t.Error("EHLO should be allowed in INIT")
	}
	if allowedInPhase(PhaseInit, VerbMAILFROM) {
		t.Error("MAIL FROM should not be allowed in INIT")
	}
	if !allowedInPhase(PhaseSetup, VerbMAILFROM) {
		t.Error("MAIL FROM should be allowed in SETUP")
	}
	if allowedInPhase(PhaseSetup, VerbRCPTTO) {
		t.Error("RCPT TO should not be allowed in SETUP")
	}
	if !allowedInPhase(PhaseTransaction, VerbRCPTTO) {
		t.Error("RCPT TO should be allowed in TRANSACTION")
	}
	if !allowedInPhase(PhaseTransaction, VerbDATA) {
		t.Error("DATA should be allowed in TRANSACTION")
	}
}

func TestValidDomainPart(t *testing.T) {
	valid := []string{"example.com", "mail.example.co.uk", "a-b.com", "localhost", "192.168.1.1"}
	for _, d := range valid {
		if !ValidDomainPart(d) {
			t.Errorf("ValidDomainPart(%q) = false, want true", d)
		}
	}
	invalid := []string{"", "-leading.com", "trailing-.com", "has space.com", "toolonglabel" + string(make([]byte, 64))}
	for _, d := range invalid {
		if ValidDomainPart(d) {
			t.Errorf("ValidDomainPart(%q) = true, want false", d)
		}
	}
}

func TestParseMailbox(t *testing.T) {
	addr, params, err := ParseMailbox("<a@example.com> SIZE=1000 BODY=8BITMIME")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "a@example.com" {
		t.Errorf("addr = %q, want a@example.com", addr)
	}
	if params != "SIZE=1000 BODY=8BITMIME" {
		t.Errorf("params = %q", params)
	}

	addr, params, err = ParseMailbox("<>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "" || params != "" {
		t.Errorf("empty return path: addr=%q params=%q", addr, params)
	}

	if _, _, err := ParseMailbox("no-brackets@example.com"); err == nil {
		t.Error("expected error for missing angle brackets")
	}
}

func TestParseMailParams(t *testing.T) {
	mp, _, ok := ParseMailParams("BODY=8BITMIME", false)
	if !ok || !mp.Allow8BitMIME {
		t.Errorf("BODY=8BITMIME: mp=%+v ok=%v", mp, ok)
	}

	mp, _, ok = ParseMailParams("BODY=7BIT", true)
	if !ok || mp.Allow8BitMIME {
		t.Errorf("BODY=7BIT: mp=%+v ok=%v", mp, ok)
	}

	mp, _, ok = ParseMailParams("AUTH=<>", false)
	if !ok || mp.AuthParam != "<>" {
		t.Errorf("AUTH=<>: mp=%+v ok=%v", mp, ok)
	}

	mp, badToken, ok := ParseMailParams("BODY=8BITMIME NOTAREALPARAM=1", false)
	if ok {
		t.Errorf("expected rejection, got mp=%+v", mp)
	}
	if badToken != "NOTAREALPARAM=1" {
		t.Errorf("badToken = %q", badToken)
	}

	mp, _, ok = ParseMailParams("", false)
	if !ok || mp.Allow8BitMIME {
		t.Errorf("empty params: mp=%+v ok=%v", mp, ok)
	}
}
