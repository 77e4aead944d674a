package verify

// State 是一次验证结束时会话所处的状态。
type State int

const (
	Unverified State = iota
	GuestVerified
	PendingAuth
	Authenticated
	Rejected
	ReconnectMerged
	DuplicateRejected
)

var stateNames = [...]string{
	Unverified:        "unverified",
	GuestVerified:     "guest_verified",
	PendingAuth:       "pending_auth",
	Authenticated:     "authenticated",
	Rejected:          "rejected",
	ReconnectMerged:   "reconnect_merged",
	DuplicateRejected: "duplicate_rejected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal 表示验证流程已结束，不会再迁移到其它状态。
func (s State) Terminal() bool {
	switch s {
	case Authenticated, Rejected, ReconnectMerged, DuplicateRejected:
		return true
	}
	return false
}
