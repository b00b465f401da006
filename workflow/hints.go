package workflow

import "strings"

// needMoreInfoHint is appended when the loopback originates from the
// need-more-info decision answering NO.
const needMoreInfoHint = "the prior rewrite did not surface a retrieval need; reformulate for concreteness"

// hintFromImprovement maps the grader's improvement reason onto a concrete
// reformulation hint for the next rewrite.
func hintFromImprovement(reason string) string {
	lr := strings.ToLower(reason)
	switch {
	case strings.Contains(lr, "specific"):
		return "ask for detailed, specific information about the subject"
	case strings.Contains(lr, "context") || strings.Contains(lr, "relevant"):
		return "broaden the query toward a comprehensive explanation of the subject"
	case strings.Contains(lr, "recent") || strings.Contains(lr, "current"):
		return "ask for current, up-to-date information"
	case strings.Contains(lr, "faithfulness") || strings.Contains(lr, "hallucination"):
		return "restrict the query to factual, verifiable information"
	case reason != "":
		return "address this issue from the last attempt: " + reason
	default:
		return "reformulate the query for a more complete answer"
	}
}
