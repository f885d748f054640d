package session

import "testing"

func TestNormalizeProviderStatus(t *testing.T) {
	cases := []struct {
		raw  string
		want Status
	}{
		{"COMPLETED", StatusCompleted},
		{"complete", StatusCompleted},
		{"Success", StatusCompleted},
		{"SUCCEEDED", StatusCompleted},
		{"paid", StatusCompleted},
		{"AUTHORIZED", StatusCompleted},
		{"  completed  ", StatusCompleted},
		{"REJECTED", StatusFailed},
		{"failed", StatusFailed},
		{"CANCELLED", StatusFailed},
		{"canceled", StatusFailed},
		{"ERROR", StatusFailed},
		{"declined", StatusFailed},
		{"PENDING", StatusAwaitingResult},
		{"OPEN", StatusAwaitingResult},
		{"PROCESSING", StatusAwaitingResult},
		{"", StatusAwaitingResult},
		{"SOMETHING_NEW", StatusAwaitingResult},
	}
	for _, tc := range cases {
		if got := NormalizeProviderStatus(tc.raw); got != tc.want {
			t.Errorf("NormalizeProviderStatus(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, st := range []Status{StatusCompleted, StatusFailed, StatusExpired} {
		if !st.Terminal() {
			t.Errorf("%s should be terminal", st)
		}
	}
	for _, st := range []Status{StatusCreated, StatusAwaitingResult} {
		if st.Terminal() {
			t.Errorf("%s should not be terminal", st)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusCreated, StatusAwaitingResult},
		{StatusCreated, StatusCompleted},
		{StatusCreated, StatusFailed},
		{StatusAwaitingResult, StatusCompleted},
		{StatusAwaitingResult, StatusFailed},
		{StatusAwaitingResult, StatusExpired},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("transition %s -> %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusCompleted},
		{StatusExpired, StatusCompleted},
		{StatusCompleted, StatusExpired},
		{StatusCreated, StatusExpired},
		{StatusAwaitingResult, StatusAwaitingResult},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("transition %s -> %s should be denied", tc.from, tc.to)
		}
	}
}
