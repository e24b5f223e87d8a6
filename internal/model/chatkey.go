package model

import (
	"errors"
	"strings"
)

const (
	roomKeyPrefix = "room_"
	userKeyPrefix = "user_"
)

var ErrBadChatKey = errors.New("invalid chat key")

func RoomKey(roomID string) string { return roomKeyPrefix + roomID }

func UserKey(userID string) string { return userKeyPrefix + userID }

// ParseChatKey splits a chat key into its kind ("room" or "user") and id.
func ParseChatKey(key string) (kind, id string, err error) {
	switch {
	case strings.HasPrefix(key, roomKeyPrefix) && len(key) > len(roomKeyPrefix):
		return "room", key[len(roomKeyPrefix):], nil
	case strings.HasPrefix(key, userKeyPrefix) && len(key) > len(userKeyPrefix):
		return "user", key[len(userKeyPrefix):], nil
	}
	return "", "", ErrBadChatKey
}
