package domain

import (
	"testing"
	"time"
)

func TestRecipientStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to RecipientStatus
		want     bool
	}{
		{RecipientPending, RecipientSending, true},
		{RecipientPending, RecipientCancelled, true},
		{RecipientPending, RecipientDelivered, false},
		{RecipientSending, RecipientDelivered, true},
		{RecipientSending, RecipientFailed, true},
		{RecipientSending, RecipientCancelled, true},
		{RecipientDelivered, RecipientOpened, true},
		{RecipientDelivered, RecipientFailed, true},
		{RecipientDelivered, RecipientPending, false},
		{RecipientFailed, RecipientPending, false},
		{RecipientCancelled, RecipientSending, false},
		{RecipientOpened, RecipientDelivered, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransitionSources(t *testing.T) {
	got := RecipientDelivered.TransitionSources()
	if len(got) != 2 || got[0] != RecipientDelivered || got[1] != RecipientSending {
		t.Errorf("sources of delivered = %v", got)
	}
	for _, s := range RecipientPending.TransitionSources() {
		if s != RecipientPending {
			t.Errorf("%s may move back to pending", s)
		}
	}
}

func TestCommunicationIsDue(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	if !(&Communication{}).IsDue(now) {
		t.Error("no future send time should be due")
	}
	if !(&Communication{FutureSendAt: &past}).IsDue(now) {
		t.Error("past send time should be due")
	}
	if !(&Communication{FutureSendAt: &now}).IsDue(now) {
		t.Error("send time equal to now should be due")
	}
	if (&Communication{FutureSendAt: &future}).IsDue(now) {
		t.Error("future send time should not be due")
	}
}

func TestAllResponseCodes(t *testing.T) {
	codes := AllResponseCodes()
	if want := ResponseCodeMax - ResponseCodeMin + 1 - len(ResponseCodeBlacklist); len(codes) != want {
		t.Fatalf("len = %d, want %d", len(codes), want)
	}
	if codes[0] != "@100" || codes[len(codes)-1] != "@99999" {
		t.Errorf("bounds = %s..%s", codes[0], codes[len(codes)-1])
	}
	for _, c := range codes {
		if c == "@666" || c == "@911" {
			t.Errorf("blacklisted code %s present", c)
		}
	}
}

func TestDomainOf(t *testing.T) {
	if got := DomainOf("Ted@Example.COM "); got != "example.com" {
		t.Errorf("DomainOf = %q", got)
	}
	if got := DomainOf("nodomain"); got != "" {
		t.Errorf("DomainOf = %q", got)
	}
}
