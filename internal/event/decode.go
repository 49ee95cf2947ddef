package event

import (
	"encoding/json"
	"fmt"
)

// DecodeCommand rebuilds a command from the JSON payload stored in the
// event log.
func DecodeCommand(eventType string, payload []byte) (Event, error) {
	et, err := ParseEventType(eventType)
	if err != nil {
		return nil, err
	}

	var cmd Event
	switch et {
	case EventTypeCreatePool:
		cmd = &CreatePool{}
	case EventTypeOrderSupply:
		cmd = &OrderSupply{}
	case EventTypeOrderRedeem:
		cmd = &OrderRedeem{}
	case EventTypeCloseEpoch:
		cmd = &CloseEpoch{}
	case EventTypeSolveEpoch:
		cmd = &SolveEpoch{}
	case EventTypeBorrow:
		cmd = &Borrow{}
	case EventTypePayback:
		cmd = &Payback{}
	case EventTypeMint:
		cmd = &Mint{}
	case EventTypeCollect:
		cmd = &Collect{}
	default:
		return nil, fmt.Errorf("%s is not a command", eventType)
	}

	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return cmd, nil
}
