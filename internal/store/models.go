package store

import "time"

type User struct {
	ID          string
	DisplayName string
	AvatarURL   string
	IsSuperuser bool
	CreatedAt   time.Time
}

type Group struct {
	ID   string
	Name string
}

type Category struct {
	ID      string
	GroupID string
	Name    string
}

type Board struct {
	ID         string
	CategoryID string
	Name       string
	Kind       string
	// Version mirrors the live document version at the last durable write.
	// The persistence scheduler skips a flush when the live version equals
	// this value.
	Version   int64
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BoardChain is a board with its full containment chain resolved.
type BoardChain struct {
	Board    Board
	Category Category
	Group    Group
}

type Invite struct {
	ID        string
	CreatedBy string
	MaxUses   int
	UseCount  int
	ExpiresAt time.Time
	CreatedAt time.Time
}

// InviteGrant is one (scope, resource, role) entry of an invite's bundle.
type InviteGrant struct {
	InviteID   string
	Scope      string
	ResourceID string
	Role       string
}
