package delivery

import "testing"

func TestSummarize(t *testing.T) {
	t.Parallel()
	row := func(target string, n int, o Outcome) Attempt {
		return Attempt{Target: target, AttemptNo: n, Outcome: o}
	}
	cases := []struct {
		name     string
		attempts []Attempt
		want     Status
	}{
		{name: "no attempts", want: StatusNone},
		{name: "in flight", attempts: []Attempt{row("a", 1, OutcomePending)}, want: StatusPending},
		{name: "delivered", attempts: []Attempt{row("a", 1, OutcomePending), row("a", 1, OutcomeSuccess)}, want: StatusDelivered},
		{
			name:     "retry pending after failure",
			attempts: []Attempt{row("a", 1, OutcomePending), row("a", 1, OutcomeFailed), row("a", 2, OutcomePending)},
			want:     StatusPending,
		},
		{
			name:     "all failed",
			attempts: []Attempt{row("a", 3, OutcomeFailed), row("b", 1, OutcomeFailed)},
			want:     StatusFailed,
		},
		{
			name:     "partial",
			attempts: []Attempt{row("a", 1, OutcomeSuccess), row("b", 3, OutcomeFailed)},
			want:     StatusPartial,
		},
		{
			name:     "one target still pending",
			attempts: []Attempt{row("a", 1, OutcomeSuccess), row("b", 2, OutcomePending)},
			want:     StatusPending,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Summarize(tc.attempts); got != tc.want {
				t.Fatalf("Summarize() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestLatestPrefersResolution(t *testing.T) {
	t.Parallel()
	latest := Latest([]Attempt{
		{Target: "a", AttemptNo: 2, Outcome: OutcomeSuccess},
		{Target: "a", AttemptNo: 2, Outcome: OutcomePending},
		{Target: "a", AttemptNo: 1, Outcome: OutcomeFailed},
	})
	if got := latest["a"]; got.AttemptNo != 2 || got.Outcome != OutcomeSuccess {
		t.Fatalf("Latest()[a] = %+v", got)
	}
}
