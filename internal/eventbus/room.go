// ABOUTME: Room kinds and their topic strings for tenant-scoped fan-out
// ABOUTME: Topic and ParseTopic are pure inverses of each other

package eventbus

import (
	"fmt"
	"strings"
)

// RoomKind distinguishes a single account's private room from an
// organization's shared room.
type RoomKind string

const (
	RoomAccount      RoomKind = "account"
	RoomOrganization RoomKind = "organization"
)

// Room is a delivery scope.
type Room struct {
	Kind RoomKind
	ID   string
}

// AccountRoom returns the private room of an account.
func AccountRoom(accountID string) Room {
	return Room{Kind: RoomAccount, ID: accountID}
}

// OrganizationRoom returns the shared room of an organization.
func OrganizationRoom(orgID string) Room {
	return Room{Kind: RoomOrganization, ID: orgID}
}

// Topic returns "account:<id>" or "organization:<id>".
func (r Room) Topic() string {
	return string(r.Kind) + ":" + r.ID
}

// ParseTopic is the inverse of Topic. Only the first colon separates the
// kind, so widget rooms like "account:widget:v1" keep their full id.
func ParseTopic(topic string) (Room, error) {
	kind, id, ok := strings.Cut(topic, ":")
	if !ok || id == "" {
		return Room{}, fmt.Errorf("malformed topic %q", topic)
	}
	switch RoomKind(kind) {
	case RoomAccount, RoomOrganization:
		return Room{Kind: RoomKind(kind), ID: id}, nil
	}
	return Room{}, fmt.Errorf("unknown room kind %q", kind)
}

// Target names the rooms a broadcast is addressed to. Either field may be empty.
type Target struct {
	AccountID      string `json:"account_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// Rooms returns the addressed rooms, account first.
func (t Target) Rooms() []Room {
	var rooms []Room
	if t.AccountID != "" {
		rooms = append(rooms, AccountRoom(t.AccountID))
	}
	if t.OrganizationID != "" {
		rooms = append(rooms, OrganizationRoom(t.OrganizationID))
	}
	return rooms
}
