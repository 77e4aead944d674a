package gateway

// 上行消息类型。
const (
	MsgVerify     = "verify"
	MsgScreen     = "screen"
	MsgPong       = "pong"
	MsgGetFriends = "getFriends"
)

type ScreenRequest struct {
	Screen string `json:"screen"`
}

type PongRequest struct{}

type GetFriendsRequest struct{}
