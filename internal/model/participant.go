package model

import "time"

// Role is the capacity in which a user is present in a room.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Valid reports whether r is teacher or student.
func (r Role) Valid() bool { return r == RoleTeacher || r == RoleStudent }

// Participant is ephemeral presence of one user over one connection.
type Participant struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
	Role         Role      `json:"role"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// RoomSnapshot is the re-synchronisation view of a room.
type RoomSnapshot struct {
	Room              *Room         `json:"room"`
	Participants      []Participant `json:"participants"`
	TotalStudents     int           `json:"totalStudents"`
	TotalParticipants int           `json:"totalParticipants"`
}

// Ban keeps a user out of a room after a teacher removed them.
type Ban struct {
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// BanRequest is the REST payload for banning a participant.
type BanRequest struct {
	UserID string `json:"userId" binding:"required,max=128"`
	Reason string `json:"reason" binding:"omitempty,max=255"`
}

// KickRequest is the REST payload for removing a participant.
type KickRequest struct {
	UserID string `json:"userId" binding:"required,max=128"`
}
