package protocol

import "fmt"

// Action identifies the operation a request asks for, or on a response, the
// operation whose result follows.
type Action uint8

const (
	ActionSuccess Action = 0 // generic response, paired with Close
	ActionOpen    Action = 1 // reserved, never sent by this client
	ActionClose   Action = 2

	ActionAdmin     Action = 8
	ActionAdminResp Action = 9

	ActionRead     Action = 10
	ActionReadResp Action = 11

	ActionWrite     Action = 12
	ActionWriteResp Action = 13

	ActionUnlink     Action = 14
	ActionUnlinkResp Action = 15

	ActionMkDir     Action = 16
	ActionMkDirResp Action = 17

	ActionRmDir     Action = 18
	ActionRmDirResp Action = 19

	ActionTruncate     Action = 20
	ActionTruncateResp Action = 21

	ActionGetAttr     Action = 22
	ActionGetAttrResp Action = 23

	ActionFlush     Action = 24
	ActionFlushResp Action = 25
)

// AdminCommand selects what an Admin request does on the server.
type AdminCommand int8

const (
	AdminClearFiles AdminCommand = 10
)

var responses = map[Action]Action{
	ActionClose:    ActionSuccess,
	ActionAdmin:    ActionAdminResp,
	ActionRead:     ActionReadResp,
	ActionWrite:    ActionWriteResp,
	ActionUnlink:   ActionUnlinkResp,
	ActionMkDir:    ActionMkDirResp,
	ActionRmDir:    ActionRmDirResp,
	ActionTruncate: ActionTruncateResp,
	ActionGetAttr:  ActionGetAttrResp,
	ActionFlush:    ActionFlushResp,
}

// ResponseOf returns the only response code a server may answer request with.
func ResponseOf(request Action) (Action, bool) {
	resp, ok := responses[request]
	return resp, ok
}

var names = map[Action]string{
	ActionSuccess:      "Success",
	ActionOpen:         "Open",
	ActionClose:        "Close",
	ActionAdmin:        "Admin",
	ActionAdminResp:    "AdminResp",
	ActionRead:         "Read",
	ActionReadResp:     "ReadResp",
	ActionWrite:        "Write",
	ActionWriteResp:    "WriteResp",
	ActionUnlink:       "Unlink",
	ActionUnlinkResp:   "UnlinkResp",
	ActionMkDir:        "MkDir",
	ActionMkDirResp:    "MkDirResp",
	ActionRmDir:        "RmDir",
	ActionRmDirResp:    "RmDirResp",
	ActionTruncate:     "Truncate",
	ActionTruncateResp: "TruncateResp",
	ActionGetAttr:      "GetAttr",
	ActionGetAttrResp:  "GetAttrResp",
	ActionFlush:        "Flush",
	ActionFlushResp:    "FlushResp",
}

func (a Action) String() string {
	if name, ok := names[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}
