package soar

import "fmt"

// UnmatchedPolicy decides what happens to a finding no playbook matches.
type UnmatchedPolicy string

const (
	// UnmatchedLeave keeps the finding unprocessed; it is seen again every
	// cycle until it ages out of the lookback window.
	UnmatchedLeave UnmatchedPolicy = "leave"
	// UnmatchedMark marks the finding processed with no playbook.
	UnmatchedMark UnmatchedPolicy = "mark"
	// UnmatchedReview copies the finding into manual-review, then marks it.
	UnmatchedReview UnmatchedPolicy = "review"
)

// Dispositions written to soar_disposition.
const (
	DispositionExecuted     = "executed"
	DispositionUnmatched    = "unmatched"
	DispositionManualReview = "manual_review"
)

// ParseUnmatchedPolicy validates a policy name.
func ParseUnmatchedPolicy(s string) (UnmatchedPolicy, error) {
	switch p := UnmatchedPolicy(s); p {
	case UnmatchedLeave, UnmatchedMark, UnmatchedReview:
		return p, nil
	}
	return "", fmt.Errorf("unknown unmatched policy %q (want leave, mark or review)", s)
}
