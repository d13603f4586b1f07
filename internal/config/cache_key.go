package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// RoomStudentsKey returns the hash of student presence (user id -> participant JSON).
func (r *CacheKeyStruct) RoomStudentsKey(roomID string) string {
	return fmt.Sprintf("room:%s:students", roomID)
}

// RoomTeachersKey returns the hash of teacher presence.
func (r *CacheKeyStruct) RoomTeachersKey(roomID string) string {
	return fmt.Sprintf("room:%s:teachers", roomID)
}

// RoomStateKey returns the hash mirroring the room status and timing.
func (r *CacheKeyStruct) RoomStateKey(roomID string) string {
	return fmt.Sprintf("room:%s:state", roomID)
}

// ViolationCountsKey returns the hash of violation counters for one student.
func (r *CacheKeyStruct) ViolationCountsKey(roomID, studentID string) string {
	return fmt.Sprintf("room:%s:violations:%s", roomID, studentID)
}

// ViolationFrozenKey marks a student's counters as frozen after finalize.
func (r *CacheKeyStruct) ViolationFrozenKey(roomID, studentID string) string {
	return fmt.Sprintf("room:%s:violations:%s:frozen", roomID, studentID)
}

// RoomEventsChannel returns the Redis PubSub channel for a room's broadcast frames.
func (r *CacheKeyStruct) RoomEventsChannel(roomCode string) string {
	return fmt.Sprintf("room:%s:events", roomCode)
}

// RoomEventsPattern matches every room events channel.
func (r *CacheKeyStruct) RoomEventsPattern() string {
	return "room:*:events"
}

var CacheKey = NewCacheKeyStruct()
