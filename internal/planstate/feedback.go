package planstate

// FeedbackPollDecision is the result of evaluating whether a plan's
// feedback (PR comments/reviews) should be polled on this tick (spec.md
// §4.1 step 6, §8 property 3).
type FeedbackPollDecision struct {
	ShouldPoll           bool
	ClearPollOnce        bool
	ShouldUpdateLastPoll bool
}

// GetFeedbackPollDecision is a pure function of the four inputs that
// drive feedback polling, deliberately factored out of the dispatcher
// loop so it can be tested without a clock, a VCS, or a ReviewProvider.
//
// A plan is polled when pollOnce is set (an operator- or bridge-requested
// immediate poll, consumed exactly once) or when the configured interval
// has elapsed since lastPolledAtMs. A zero lastPolledAtMs is treated as
// "never polled", which always polls regardless of interval.
func GetFeedbackPollDecision(nowMs, pollIntervalMs, lastPolledAtMs int64, pollOnce bool) FeedbackPollDecision {
	if pollOnce {
		return FeedbackPollDecision{ShouldPoll: true, ClearPollOnce: true, ShouldUpdateLastPoll: true}
	}

	if lastPolledAtMs == 0 {
		return FeedbackPollDecision{ShouldPoll: true, ShouldUpdateLastPoll: true}
	}

	if pollIntervalMs <= 0 {
		return FeedbackPollDecision{}
	}

	elapsed := nowMs - lastPolledAtMs
	if elapsed >= pollIntervalMs {
		return FeedbackPollDecision{ShouldPoll: true, ShouldUpdateLastPoll: true}
	}
	return FeedbackPollDecision{}
}
