package main

import "github.com/galeforge/fulcrum-registry/internal/model"

// Wire payload shapes for every inbound envelope type, per spec § 6.
// These are intentionally distinct from internal/model's domain types:
// they are exactly what crosses the bus, and this file is the one place
// that translates between wire shape and domain shape.

type slotFamilyAdvertisement struct {
	ServerID      string             `json:"serverId"`
	Capacities    map[string]int     `json:"capacities"`
	SoftCap       int                `json:"softPlayerCap"`
	HardCap       int                `json:"hardPlayerCap"`
	PlayerFactors map[string]float64 `json:"playerFactors,omitempty"`
	MinPlayers    map[string]int     `json:"familyMinPlayers,omitempty"`
	MaxPlayers    map[string]int     `json:"familyMaxPlayers,omitempty"`
}

type slotStatusUpdateWire struct {
	ServerID      string            `json:"serverId"`
	SlotID        string            `json:"slotId"`
	SlotSuffix    string            `json:"slotSuffix"`
	Status        string            `json:"status"`
	MaxPlayers    int               `json:"maxPlayers"`
	OnlinePlayers int               `json:"onlinePlayers"`
	GameType      string            `json:"gameType"`
	Metadata      map[string]string `json:"metadata"`
}

type playerSlotRequestWire struct {
	PlayerID        string            `json:"playerId"`
	PlayerName      string            `json:"playerName"`
	FamilyID        string            `json:"family"`
	VariantID       string            `json:"variant"`
	PreferredSlotID string            `json:"preferredSlotId"`
	Rejoin          bool              `json:"rejoin"`
	Metadata        map[string]string `json:"metadata"`
}

type playerRouteAckWire struct {
	PlayerID      string `json:"playerId"`
	SlotID        string `json:"slotId"`
	ReservationID string `json:"reservationId"`
	Success       bool   `json:"success"`
	Reason        string `json:"reason"`
}

type partyReservationCreatedWire struct {
	ReservationID  string            `json:"reservationId"`
	FamilyID       string            `json:"family"`
	VariantID      string            `json:"variant"`
	PartySize      int               `json:"partySize"`
	Tokens         map[string]string `json:"tokens"`
	TargetServerID string            `json:"targetServerId"`
}

type partyReservationClaimedWire struct {
	ReservationID string `json:"reservationId"`
	PlayerID      string `json:"playerId"`
	Success       bool   `json:"success"`
}

type matchRosterCreatedWire struct {
	SlotID  string   `json:"slotId"`
	MatchID string   `json:"matchId"`
	Players []string `json:"players"`
}

type matchRosterEndedWire struct {
	SlotID string `json:"slotId"`
}

type shutdownUpdateWire struct {
	IntentID  string   `json:"intentId"`
	ServiceID string   `json:"serviceId"`
	Phase     string   `json:"phase"`
	PlayerIDs []string `json:"playerIds"`
}

func (w slotStatusUpdateWire) toSlot(familyID string) *model.LogicalSlot {
	return &model.LogicalSlot{
		SlotID:        w.SlotID,
		ServerID:      w.ServerID,
		Suffix:        w.SlotSuffix,
		FamilyID:      familyID,
		Status:        model.SlotStatus(w.Status),
		MaxPlayers:    w.MaxPlayers,
		OnlinePlayers: w.OnlinePlayers,
		Metadata:      w.Metadata,
	}
}
