package internal

import (
	"fmt"
	"strings"
)

// CalculateRoomName works out the display name for a room based on the
// name/alias the room advertises and, failing that, on the room's heroes.
// Heroes are raw member identifiers: we never have profile information for
// them in this engine, so no disambiguation pass is needed.
func CalculateRoomName(roomName, canonicalAlias string, heroes []string, joinCount, inviteCount, maxNumNamesPerRoom int) string {
	// If the room has a name state record with a non-empty name field, use the name given by that field.
	if roomName != "" {
		return roomName
	}
	// If the room has a canonical alias, use the alias as the name.
	if canonicalAlias != "" {
		return canonicalAlias
	}
	// Compose a name based on the members of the room.
	totalNumOtherUsers := joinCount + inviteCount - 1
	isAlone := totalNumOtherUsers <= 0

	if len(heroes) == 0 && isAlone {
		return "Empty Room"
	}

	// enough heroes to name everyone else in the room
	if len(heroes) >= totalNumOtherUsers {
		if len(heroes) == 1 {
			if isAlone {
				return fmt.Sprintf("Empty Room (was %s)", heroes[0])
			}
			return heroes[0]
		}
		calculatedRoomName := strings.Join(heroes[:len(heroes)-1], ", ") + " and " + heroes[len(heroes)-1]
		if isAlone {
			return fmt.Sprintf("Empty Room (was %s)", calculatedRoomName)
		}
		return calculatedRoomName
	}

	// fewer heroes than other members: name the heroes and count the rest
	numEntries := len(heroes)
	if numEntries > maxNumNamesPerRoom {
		numEntries = maxNumNamesPerRoom
	}
	calculatedRoomName := fmt.Sprintf(
		"%s and %d others", strings.Join(heroes[:numEntries], ", "), totalNumOtherUsers-numEntries,
	)

	if (joinCount + inviteCount) > 1 {
		return calculatedRoomName
	}

	return fmt.Sprintf("Empty Room (was %s)", calculatedRoomName)
}
