package zego

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ZEGOCLOUD/zego_server_assistant/token/go/src/token04"
)

// ErrNotConfigured is returned when app credentials are missing or malformed.
var ErrNotConfigured = errors.New("zego: app_id and a 32 character server_secret are required")

// Credentials identify the application in the ZEGOCLOUD console.
type Credentials struct {
	AppID        uint32
	ServerSecret string
}

// Valid reports whether the credentials can sign tokens.
func (c Credentials) Valid() bool {
	return c.AppID != 0 && len(c.ServerSecret) == 32
}

// roomPayload restricts a token04 token to one room. See the ZEGOCLOUD token04 docs.
type roomPayload struct {
	RoomID       string      `json:"room_id"`
	Privilege    map[int]int `json:"privilege"`
	StreamIDList []string    `json:"stream_id_list,omitempty"`
}

// Privileges returns the room privileges for a participant. Observers may enter the
// room but never publish a stream.
func Privileges(canPublish bool) map[int]int {
	p := map[int]int{
		token04.PrivilegeKeyLogin:   token04.PrivilegeEnable,
		token04.PrivilegeKeyPublish: token04.PrivilegeDisable,
	}
	if canPublish {
		p[token04.PrivilegeKeyPublish] = token04.PrivilegeEnable
	}
	return p
}

// GenerateRoomToken signs a token04 token that admits userID to roomID.
func GenerateRoomToken(creds Credentials, roomID, userID string, canPublish bool, effectiveTimeSec int64) (string, error) {
	if !creds.Valid() {
		return "", ErrNotConfigured
	}
	if roomID == "" || userID == "" {
		return "", fmt.Errorf("zego: room_id and user_id required")
	}
	payload, err := json.Marshal(roomPayload{RoomID: roomID, Privilege: Privileges(canPublish)})
	if err != nil {
		return "", fmt.Errorf("zego: marshal payload: %w", err)
	}
	return token04.GenerateToken04(creds.AppID, userID, creds.ServerSecret, effectiveTimeSec, string(payload))
}
