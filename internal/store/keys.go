package store

import "fmt"

// Key layout, exactly as spec § 6 specifies it.
func serverFamilyCapacityKey(serverID string) string {
	return fmt.Sprintf("fulcrum:registry:servers:%s:family-capacity", serverID)
}

func serverFamilyTotalKey(serverID string) string {
	return fmt.Sprintf("fulcrum:registry:servers:%s:family-total", serverID)
}

func serverFamiliesKey(serverID string) string {
	return fmt.Sprintf("fulcrum:registry:servers:%s:families", serverID)
}

func slotsByFamilyKey(familyID string) string {
	return fmt.Sprintf("fulcrum:registry:slots:by-family:%s", familyID)
}

func slotKey(slotID string) string {
	return fmt.Sprintf("fulcrum:registry:slots:%s", slotID)
}

// Everything below lives under the route:* namespace, per spec § 6.
func occupancyKey(slotID string) string {
	return fmt.Sprintf("fulcrum:registry:route:occupancy:%s", slotID)
}

func activeSlotHashKey() string {
	return "fulcrum:registry:route:active"
}

func recentSlotsKey(playerID string) string {
	return fmt.Sprintf("fulcrum:registry:route:recent:%s", playerID)
}

func recentSlotPlayersIndexKey() string {
	return "fulcrum:registry:route:recent:players"
}

func matchRosterKey(slotID string) string {
	return fmt.Sprintf("fulcrum:registry:route:roster:%s", slotID)
}

func partyQueueKey(familyID string) string {
	return fmt.Sprintf("fulcrum:registry:route:party:queue:%s", familyID)
}

func partyAllocationKey(reservationID string) string {
	return fmt.Sprintf("fulcrum:registry:route:party:alloc:%s", reservationID)
}

func partyAllocationIndexKey() string {
	return "fulcrum:registry:route:party:allocations"
}

func partyPendingKey(reservationID string) string {
	return fmt.Sprintf("fulcrum:registry:route:party:pending:%s", reservationID)
}
