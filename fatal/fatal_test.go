package fatal

import "testing"

func TestSinksTrap(t *testing.T) {
	defer func(f func(int)) { exit = f }(exit)

	var statuses []int
	exit = func(status int) { statuses = append(statuses, status) }

	for _, sink := range []func(){Trap, Panic, AllocFail, Resume, Personality} {
		sink()
	}
	if len(statuses) != 5 {
		t.Fatalf("got %d exits, expected 5", len(statuses))
	}
	for i, s := range statuses {
		if s != trapStatus {
			t.Errorf("sink %d: status %d, expected %d", i, s, trapStatus)
		}
		// Never the ordinary-termination status.
		if s == 0 {
			t.Errorf("sink %d: trap status collides with ordinary termination", i)
		}
	}
}
