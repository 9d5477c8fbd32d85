package merge

// reduce is the pure state transition function. It is total: any event a
// phase has no specific transition for falls through to the default rules,
// which fold queue inclusions/exclusions and otherwise leave state unchanged.
func reduce(topPriorityLabels []string, s State, ev event) State {
	switch s.Status.Phase {
	case PhaseStarting:
		if loaded, ok := ev.(pullRequestsLoaded); ok {
			// Inclusions that raced with the bootstrap keep their place
			// behind the reordered historical PRs.
			queue := orderQueue(loaded.prs, topPriorityLabels)
			for _, pr := range s.Queue {
				if indexOf(queue, pr.Number) < 0 {
					queue = insertPR(queue, pr, topPriorityLabels)
				}
			}

			if len(queue) == 0 {
				s.Status = Status{Phase: PhaseIdle}
				s.Queue = nil

				return s
			}

			s.Status = Status{Phase: PhaseReady}
			s.Queue = queue

			return s
		}

	case PhaseIdle:
		if change, ok := ev.(pullRequestChange); ok && change.include {
			s.Status = Status{Phase: PhaseReady}
			s.Queue = insertPR(s.Queue, change.pr, topPriorityLabels)

			return s
		}

	case PhaseReady:
		switch e := ev.(type) {
		case noMorePullRequests:
			// A drained-queue signal races with late inclusions; only an
			// actually empty queue goes idle.
			if len(s.Queue) == 0 {
				s.Status = Status{Phase: PhaseIdle}

				return s
			}
		case integrate:
			meta := e.meta
			s.Status = Status{Phase: PhaseIntegrating, Metadata: &meta}
			s.Queue = removePR(s.Queue, meta.Reference.Number)

			return s
		}

	case PhaseIntegrating:
		switch e := ev.(type) {
		case integrationStatusChanged:
			switch e.kind {
			case integrationDone:
				s.Status = Status{Phase: PhaseReady}
			case integrationFailure:
				meta := e.meta
				s.Status = Status{Phase: PhaseIntegrationFailed, Metadata: &meta, Error: e.reason}
			case integrationUpdating:
				meta := e.meta
				s.Status = Status{Phase: PhaseRunningStatusChecks, Metadata: &meta}
			}

			return s
		case retryIntegration:
			meta := e.meta
			s.Status = Status{Phase: PhaseIntegrating, Metadata: &meta}

			return s
		case pullRequestChange:
			if !e.include && e.pr.Number == s.Status.Metadata.Reference.Number {
				s.Status = Status{Phase: PhaseReady}

				return s
			}
		}

	case PhaseRunningStatusChecks:
		switch e := ev.(type) {
		case statusChecksCompleted:
			meta := e.meta
			switch e.outcome {
			case checksPassed:
				s.Status = Status{Phase: PhaseIntegrating, Metadata: &meta}
			case checksFailed:
				s.Status = Status{Phase: PhaseIntegrationFailed, Metadata: &meta, Error: FailureChecksFailing}
			case checksTimedOut:
				s.Status = Status{Phase: PhaseIntegrationFailed, Metadata: &meta, Error: FailureTimedOut}
			}

			return s
		case pullRequestChange:
			if !e.include && e.pr.Number == s.Status.Metadata.Reference.Number {
				s.Status = Status{Phase: PhaseReady}

				return s
			}
		}

	case PhaseIntegrationFailed:
		if _, ok := ev.(integrationFailureHandled); ok {
			s.Status = Status{Phase: PhaseReady}

			return s
		}
	}

	return reduceDefault(topPriorityLabels, s, ev)
}

// reduceDefault folds queue mutations that apply in every phase: inclusions
// insert or update, exclusions remove. A PR currently being integrated never
// re-enters the queue (its exclusion is handled phase-specifically above).
func reduceDefault(topPriorityLabels []string, s State, ev event) State {
	change, ok := ev.(pullRequestChange)
	if !ok {
		return s
	}

	if change.include {
		if s.Status.Metadata != nil && s.Status.Metadata.Reference.Number == change.pr.Number {
			return s
		}

		s.Queue = insertPR(s.Queue, change.pr, topPriorityLabels)

		return s
	}

	s.Queue = removePR(s.Queue, change.pr.Number)

	return s
}
