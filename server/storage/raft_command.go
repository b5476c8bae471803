package storage

import (
	"bytes"
	"encoding/gob"
	"github.com/golang/glog"
	"streamctl/server/base"
)

type CmdType int

const (
	KNoOpCommand   CmdType = 1
	KCreateCommand CmdType = 2
	KPutCommand    CmdType = 3
	KCASCommand    CmdType = 4
	KDeleteCommand CmdType = 5
)

func (ct CmdType) ToString() string {
	switch ct {
	case KNoOpCommand:
		return "NoOpCommand"
	case KCreateCommand:
		return "CreateCommand"
	case KPutCommand:
		return "PutCommand"
	case KCASCommand:
		return "CASCommand"
	case KDeleteCommand:
		return "DeleteCommand"
	default:
		glog.Fatalf("Invalid command type: %d", ct)
		return "Invalid command type"
	}
}

// Command is a store mutation replicated through the raft log.
type Command struct {
	CommandType CmdType      // Command type as defined above.
	Path        string       // Path the command applies to.
	Data        []byte       // Value for create, put and compare and swap.
	Expected    base.Version // Expected version for compare and swap and delete.
}

// FSMResponse is what the FSM returns from Apply for every command.
type FSMResponse struct {
	CommandType CmdType
	Version     base.Version
	Error       error
}

func Serialize(cmd *Command) []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	err := enc.Encode(cmd)
	if err != nil {
		glog.Fatalf("Unable to serialize command due to err: %s", err.Error())
	}
	return buf.Bytes()
}

func Deserialize(data []byte) *Command {
	buf := bytes.NewBuffer(data)
	dec := gob.NewDecoder(buf)
	var cmd Command
	if err := dec.Decode(&cmd); err != nil {
		glog.Fatalf("Unable to deserialize command due to err: %s", err.Error())
	}
	return &cmd
}
