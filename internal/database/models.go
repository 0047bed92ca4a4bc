package database

import "time"

type Room struct {
	Id            int
	Name          string
	ExternalId    string
	Description   string
	SeqId         int
	OwnerId       int
	LastReadSeqId int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type User struct {
	Id       int
	Username string
}

type Message struct {
	Id        int
	SeqId     int
	RoomId    int
	UserId    int
	Username  string
	Content   string
	CreatedAt time.Time
}

type CreateRoomParams struct {
	Name        string
	Description string
	OwnerId     int
	ExternalId  string
	Members     []int
}

type UpdateRoomParams struct {
	RoomId int
	Name   string
	// Members replaces the subscriber set when non-nil. The owner is always
	// kept subscribed.
	Members []int
}
