package account

// Forced logout reasons
const (
	ReasonDeleted  = "account deleted"
	ReasonRejected = "account access has been denied"
	ReasonReopened = "account awaiting admin approval"
)

// CheckLiveness decides what a signed-in session does when its account changes from prev to cur
// (cur is nil once the account is deleted). logout is true when the session must end; otherwise
// the session simply adopts cur.
func CheckLiveness(prev Account, cur *Account) (logout bool, reason string) {
	switch {
	case cur == nil:
		return true, ReasonDeleted
	case cur.Status == StatusRejected:
		return true, ReasonRejected
	case cur.Status == StatusPending && prev.Status == StatusActive:
		return true, ReasonReopened
	}
	return false, ""
}
