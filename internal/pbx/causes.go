package pbx

// CauseText maps a PBX hangup cause code to the status string exposed to
// subscribers.
func CauseText(cause int) string {
	switch cause {
	case 16:
		return "normal"
	case 17:
		return "busy"
	case 18, 19:
		return "no-answer"
	case 21:
		return "rejected"
	case 34:
		return "congestion"
	default:
		return "unknown"
	}
}
