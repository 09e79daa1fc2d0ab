package ride

import "testing"

// TestCanTransition checks every pair of statuses against the lifecycle diagram.
func TestCanTransition(t *testing.T) {
	all := []Status{StatusNone, StatusPending, StatusAssigned, StatusArrived, StatusInProgress, StatusCompleted, StatusCanceled}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusAssigned}:     true,
		{StatusPending, StatusCanceled}:     true,
		{StatusAssigned, StatusArrived}:     true,
		{StatusAssigned, StatusCanceled}:    true,
		{StatusArrived, StatusInProgress}:   true,
		{StatusInProgress, StatusCompleted}: true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCanceled} {
		if next := AllowedTransitions[s]; len(next) != 0 {
			t.Errorf("%s should be terminal, has %v", s, next)
		}
	}
}

func TestPaymentModeValid(t *testing.T) {
	cases := map[PaymentMode]bool{PaymentCash: true, PaymentQR: true, "card": false, "": false}
	for m, want := range cases {
		if got := m.Valid(); got != want {
			t.Errorf("PaymentMode(%q).Valid() = %v, want %v", m, got, want)
		}
	}
}
