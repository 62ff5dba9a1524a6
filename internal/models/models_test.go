package models

import "testing"

func TestFormatPhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"4155551234", "+14155551234"},
		{"14155551234", "+14155551234"},
		{"+14155551234", "+14155551234"},
		{"(415) 555-1234", "+14155551234"},
		{"+447700900123", "+447700900123"},
		{"447700900123", "+447700900123"},
	}
	for _, c := range cases {
		if got := FormatPhone(c.in); got != c.want {
			t.Errorf("FormatPhone(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestStripChannelPrefix(t *testing.T) {
	addr, ch := StripChannelPrefix("whatsapp:+14155551234")
	if addr != "+14155551234" || ch != ChannelWhatsApp {
		t.Errorf("expected whatsapp channel and bare address, got %q on %q", addr, ch)
	}

	addr, ch = StripChannelPrefix("+14155551234")
	if addr != "+14155551234" || ch != ChannelSMS {
		t.Errorf("expected sms channel and unchanged address, got %q on %q", addr, ch)
	}
}

func TestApplyChannelPrefix(t *testing.T) {
	if got := ApplyChannelPrefix("+1415", ChannelWhatsApp); got != "whatsapp:+1415" {
		t.Errorf("expected whatsapp prefix applied, got %q", got)
	}
	if got := ApplyChannelPrefix("whatsapp:+1415", ChannelWhatsApp); got != "whatsapp:+1415" {
		t.Errorf("prefix should not be doubled, got %q", got)
	}
	if got := ApplyChannelPrefix("+1415", ChannelSMS); got != "+1415" {
		t.Errorf("sms address should be unchanged, got %q", got)
	}
}

func TestNeutralAnalysis(t *testing.T) {
	a := NeutralAnalysis()
	if a.Sentiment != SentimentNeutral {
		t.Errorf("expected neutral sentiment, got %q", a.Sentiment)
	}
	if len(a.Emotions) != 0 || len(a.Topics) != 0 {
		t.Error("expected empty emotion and topic sets")
	}
	if a.UrgencyLevel != MinUrgencyLevel {
		t.Errorf("expected urgency %d, got %d", MinUrgencyLevel, a.UrgencyLevel)
	}
}

func TestMessageAnalysisNormalize(t *testing.T) {
	a := MessageAnalysis{Sentiment: "ecstatic", UrgencyLevel: 9}
	a.Normalize()
	if a.Sentiment != SentimentNeutral {
		t.Errorf("unknown sentiment should normalize to neutral, got %q", a.Sentiment)
	}
	if a.UrgencyLevel != MaxUrgencyLevel {
		t.Errorf("urgency should clamp to %d, got %d", MaxUrgencyLevel, a.UrgencyLevel)
	}
	if a.Emotions == nil || a.Topics == nil {
		t.Error("nil sets should normalize to empty slices")
	}

	b := MessageAnalysis{Sentiment: SentimentNegative, UrgencyLevel: 0}
	b.Normalize()
	if b.Sentiment != SentimentNegative {
		t.Errorf("valid sentiment should be preserved, got %q", b.Sentiment)
	}
	if b.UrgencyLevel != MinUrgencyLevel {
		t.Errorf("urgency should clamp up to %d, got %d", MinUrgencyLevel, b.UrgencyLevel)
	}
}

func TestMessageAnalysisIntensity(t *testing.T) {
	a := MessageAnalysis{UrgencyLevel: 4}
	if got := a.Intensity(); got != 0.8 {
		t.Errorf("expected intensity 0.8, got %v", got)
	}
}

func TestInboundEventValidate(t *testing.T) {
	e := InboundEvent{Body: "hello", From: "+1415"}
	if err := e.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	e = InboundEvent{From: "+1415"}
	if err := e.Validate(); err != ErrEmptyContent {
		t.Errorf("expected ErrEmptyContent, got %v", err)
	}

	e = InboundEvent{Body: "hello"}
	if err := e.Validate(); err == nil {
		t.Error("expected error for event without sender or conversation sid")
	}
}

func TestInboundEventIsThreadEvent(t *testing.T) {
	e := InboundEvent{Body: "hi", ConversationSID: "relas-u1"}
	if !e.IsThreadEvent() {
		t.Error("expected thread event")
	}
	e = InboundEvent{Body: "hi", From: "+1415"}
	if e.IsThreadEvent() {
		t.Error("expected plain message event")
	}
}

func TestUserLocation(t *testing.T) {
	u := User{City: "Oakland", Country: "USA"}
	if got := u.Location(); got != "Oakland, USA" {
		t.Errorf("expected joined location, got %q", got)
	}
	if got := (&User{}).Location(); got != "" {
		t.Errorf("expected empty location, got %q", got)
	}
}
