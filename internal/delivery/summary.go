package delivery

// Latest returns, per target, the row that decides its state: the highest
// attempt number, with a resolution row winning over the pending row of the
// same attempt.
func Latest(attempts []Attempt) map[string]Attempt {
	latest := make(map[string]Attempt)
	for _, a := range attempts {
		cur, ok := latest[a.Target]
		if !ok || a.AttemptNo > cur.AttemptNo || (a.AttemptNo == cur.AttemptNo && cur.Outcome == OutcomePending && a.Outcome != OutcomePending) {
			latest[a.Target] = a
		}
	}
	return latest
}

// Summarize derives the delivery status of one message from its attempts.
func Summarize(attempts []Attempt) Status {
	latest := Latest(attempts)
	if len(latest) == 0 {
		return StatusNone
	}
	var success, failed int
	for _, a := range latest {
		switch a.Outcome {
		case OutcomePending:
			return StatusPending
		case OutcomeSuccess:
			success++
		case OutcomeFailed:
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusDelivered
	case success == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}
